package http

import (
	"errors"
	"net/http"

	"github.com/Wyydra/callrelay/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/callrelay/internal/core/domain"
	"github.com/Wyydra/callrelay/internal/core/service"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients are served from arbitrary origins; the bearer token is the gate.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS verifies the caller, upgrades and runs the connection until it ends.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	identity, err := h.Verifier.Verify(r.Context(), credentialFromRequest(r))
	if err != nil {
		log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Rejected unverified connection")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	client := ws.NewClient(conn, identity, h.WSOptions)
	go client.WritePump()

	l := log.With().
		Str("user_id", identity.ID.String()).
		Str("conn_id", client.ID().String()).
		Logger()

	if err := h.Router.Attach(client); err != nil {
		l.Warn().Err(err).Msg("Refusing client")
		client.Kick("server shutting down")
		return
	}
	l.Info().Msg("New client connected")

	defer func() {
		h.Router.Detach(client)
		client.Release()
		l.Info().Msg("Client disconnected")
	}()

	err = client.ReadPump(func(data []byte) {
		sig, err := decodeSignal(data)
		if err != nil {
			l.Debug().Err(err).Msg("Invalid signal")
			client.Send(domain.ProtocolError(err.Error()))
			return
		}
		if err := h.Router.Route(client, sig); errors.Is(err, service.ErrStaleConnection) {
			client.Kick(domain.ReasonSuperseded)
		}
	})
	switch {
	case errors.Is(err, ws.ErrRateLimited):
		l.Warn().Msg("Client exceeded message rate")
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure):
		l.Error().Err(err).Msg("Unexpected close error")
	}
}
