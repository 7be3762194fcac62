// Package static verifies credentials against a fixed token table.
package static

import (
	"context"
	"crypto/subtle"

	"github.com/Wyydra/callrelay/internal/core/domain"
	"github.com/Wyydra/callrelay/internal/core/port"
)

type entry struct {
	token    []byte
	identity domain.Identity
}

type Verifier struct {
	entries []entry
}

// NewVerifier builds a verifier from token -> identity pairs.
func NewVerifier(tokens map[string]domain.Identity) *Verifier {
	v := &Verifier{entries: make([]entry, 0, len(tokens))}
	for tok, id := range tokens {
		if tok == "" || id.ID == "" {
			continue
		}
		if id.Name == "" {
			id.Name = id.ID.String()
		}
		v.entries = append(v.entries, entry{token: []byte(tok), identity: id})
	}
	return v
}

func (v *Verifier) Verify(_ context.Context, token string) (domain.Identity, error) {
	got := []byte(token)
	var (
		found domain.Identity
		ok    int
	)
	// Compare against every entry so timing does not reveal the match.
	for _, e := range v.entries {
		if subtle.ConstantTimeCompare(got, e.token) == 1 {
			found = e.identity
			ok = 1
		}
	}
	if ok == 0 {
		return domain.Identity{}, port.ErrInvalidCredentials
	}
	return found, nil
}
