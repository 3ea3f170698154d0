package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

func socketHandler(svc Service, base context.Context, cfg muxConfig) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     cfg.originAllowed,
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !svc.Ready() {
			socketUpgradesTotal.WithLabelValues("not_ready").Inc()
			writeJSONError(w, http.StatusServiceUnavailable, "publisher is not open")
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the error response.
			socketUpgradesTotal.WithLabelValues("failed").Inc()
			cfg.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("socket upgrade failed")
			return
		}
		socketUpgradesTotal.WithLabelValues("ok").Inc()

		ctx, cancel := joinContexts(base, r.Context())
		defer cancel()
		if err := svc.ServeSocket(ctx, conn); err != nil {
			cfg.log.Debug().
				Err(err).
				Str("remote", r.RemoteAddr).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("viewer connection ended")
		}
	}
}
