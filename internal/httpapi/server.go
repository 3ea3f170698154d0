package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"tfview/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() ([]types.Model, error)
	Status() types.StatusResponse
	Ready() bool
	Emit(ctx context.Context, req types.EmitRequest) (types.EmitResponse, error)
	// ServeSocket takes over an upgraded viewer connection until it closes.
	ServeSocket(ctx context.Context, conn *websocket.Conn) error
}

// Options locates the directories served next to the API.
type Options struct {
	// ModelsDir is served under /models/.
	ModelsDir string
	// JSDir is served under /js/. Empty disables the route.
	JSDir string
	// BaseContext bounds every viewer socket; canceling it closes them all.
	// Defaults to context.Background.
	BaseContext context.Context
	// CORS enables CORS and restricts socket origins. Nil uses the
	// SetCORSOptions default.
	CORS *CORSOptions
	// MaxBodyBytes limits POST bodies. Zero uses the SetMaxBodyBytes default.
	MaxBodyBytes int64
	// Logger receives access and error logs. Nil uses the SetLogger default.
	Logger *zerolog.Logger
}

// SocketPath is where viewers connect.
const SocketPath = "/socket"

func NewMux(svc Service, opts Options) http.Handler {
	cfg := opts.resolve()
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.cors != nil {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.cors.Origins,
			AllowedMethods: cfg.cors.Methods,
			AllowedHeaders: cfg.cors.Headers,
			MaxAge:         300,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	// The socket hijacks the connection, so it stays outside the wrappers
	// that replace the ResponseWriter.
	base := opts.BaseContext
	if base == nil {
		base = context.Background()
	}
	r.Get(SocketPath, socketHandler(svc, base, cfg))

	r.Group(func(r chi.Router) {
		r.Use(MetricsMiddleware)
		r.Use(accessLog(cfg.log))
		r.Use(middleware.Compress(5))

		r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
			models, err := svc.ListModels()
			if err != nil {
				writeError(cfg.log, w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, types.ModelsResponse{Models: models})
		})
		r.Handle("/models/*", staticDir("/models/", opts.ModelsDir))
		if opts.JSDir != "" {
			r.Handle("/js/*", staticDir("/js/", opts.JSDir))
		}

		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, svc.Status())
		})

		r.Post("/events", func(w http.ResponseWriter, r *http.Request) {
			ct := r.Header.Get("Content-Type")
			if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
				writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, cfg.maxBody)
			var req types.EmitRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
			if strings.TrimSpace(req.Name) == "" {
				writeJSONError(w, http.StatusBadRequest, "name is required")
				return
			}
			resp, err := svc.Emit(r.Context(), req)
			if err != nil {
				eventsIngestedTotal.WithLabelValues("rejected").Inc()
				writeError(cfg.log, w, r, err)
				return
			}
			eventsIngestedTotal.WithLabelValues("accepted").Inc()
			writeJSON(w, http.StatusAccepted, resp)
		})

		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})

		r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
			if svc.Ready() {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("ready"))
				return
			}
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not open"))
		})

		r.Get("/metrics", promhttp.Handler().ServeHTTP)

		MountSwagger(r)
		r.Handle("/*", dashboardHandler())
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(b, '\n'))
}
