// Package server provides HTTP server construction for placeholder-sync.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/placeholder-sync/internal/auth"
)

// Server timeouts for the control endpoint.
const (
	ReadTimeout  = 30 * time.Second
	WriteTimeout = 60 * time.Second
	IdleTimeout  = 120 * time.Second
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Keys       *auth.Keys
	MCPHandler http.Handler
	Logger     *slog.Logger
	Version    string
}

// NewMux builds the HTTP mux with an unauthenticated health check and the
// MCP endpoint, which is protected by API key middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth(cfg.Version))

	authMiddleware := auth.Middleware(cfg.Keys, cfg.Logger)
	mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))

	return mux
}

// New wraps the mux in an http.Server with the standard timeouts.
func New(addr string, cfg MuxConfig) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      NewMux(cfg),
		ReadTimeout:  ReadTimeout,
		WriteTimeout: WriteTimeout,
		IdleTimeout:  IdleTimeout,
	}
}

func handleHealth(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":  "ok",
			"version": version,
		})
	}
}
