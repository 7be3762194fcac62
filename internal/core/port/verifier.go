package port

import (
	"context"
	"errors"

	"github.com/Wyydra/callrelay/internal/core/domain"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// IdentityVerifier turns a bearer credential into a stable user identity.
type IdentityVerifier interface {
	Verify(ctx context.Context, credential string) (domain.Identity, error)
}
