package httpapi

import (
	"net/http"

	"github.com/rs/zerolog"
)

// Process-wide defaults. A mux reads them once, in NewMux, for every Options
// field left unset.

// maxBodyBytes controls the maximum allowed request body size for JSON endpoints.
var maxBodyBytes int64 = 1 << 20

// SetMaxBodyBytes sets the default request body limit.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = 1 << 20
		return
	}
	maxBodyBytes = n
}

// CORSOptions is an opt-in CORS policy. Origins also gates websocket
// upgrades; "*" allows any origin. Empty methods or headers fall back to
// GET/POST/OPTIONS and Content-Type.
type CORSOptions struct {
	Origins []string
	Methods []string
	Headers []string
}

var defaultCORS *CORSOptions

// SetCORSOptions sets the default CORS policy. When disabled, no CORS
// middleware is added and the socket accepts any origin.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	if !enabled {
		defaultCORS = nil
		return
	}
	defaultCORS = &CORSOptions{Origins: origins, Methods: methods, Headers: headers}
}

func (c *CORSOptions) withDefaults() *CORSOptions {
	if c == nil {
		return nil
	}
	out := &CORSOptions{
		Origins: append([]string(nil), c.Origins...),
		Methods: append([]string(nil), c.Methods...),
		Headers: append([]string(nil), c.Headers...),
	}
	if len(out.Methods) == 0 {
		out.Methods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	}
	if len(out.Headers) == 0 {
		out.Headers = []string{"Content-Type"}
	}
	return out
}

// muxConfig is the configuration one mux runs with.
type muxConfig struct {
	log     zerolog.Logger
	maxBody int64
	cors    *CORSOptions
}

func (o Options) resolve() muxConfig {
	cfg := muxConfig{log: *logger(), maxBody: o.MaxBodyBytes, cors: o.CORS}
	if o.Logger != nil {
		cfg.log = *o.Logger
	}
	if cfg.maxBody <= 0 {
		cfg.maxBody = maxBodyBytes
	}
	if cfg.cors == nil {
		cfg.cors = defaultCORS
	}
	cfg.cors = cfg.cors.withDefaults()
	return cfg
}

// originAllowed applies the CORS origin list to websocket upgrades.
func (c muxConfig) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if c.cors == nil || origin == "" {
		return true
	}
	for _, o := range c.cors.Origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
