package server

import (
	"log/slog"
	"net/http"
)

// Config contains server configuration options.
type Config struct {
	// AllowedOrigins is the list of allowed CORS origins.
	AllowedOrigins []string
	// MaxBodyBytes caps every request body. Zero disables the cap.
	MaxBodyBytes int64
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"*"},
		MaxBodyBytes:   256 << 20,
	}
}

// NewRouter creates a new HTTP router with all routes configured.
// Storage routes require an API key; health and auth routes are open.
func NewRouter(h *Handlers, logger *slog.Logger, cfg Config) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	protected := APIKeyMiddleware(h.accounts, logger)
	guard := func(f http.HandlerFunc) http.Handler { return protected(f) }

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("POST /auth/signup", h.Signup)
	mux.HandleFunc("POST /auth/login", h.Login)
	mux.HandleFunc("POST /auth/verify", h.RequestVerification)
	mux.HandleFunc("POST /auth/verify/confirm", h.ConfirmVerification)

	mux.Handle("POST /uploads", guard(h.Stage))
	mux.Handle("GET /uploads/{session}", guard(h.GetSession))
	mux.Handle("POST /uploads/{session}/commit", guard(h.Commit))
	mux.Handle("GET /files", guard(h.ListFiles))
	mux.Handle("GET /files/meta", guard(h.GetMeta))
	mux.Handle("PUT /files", guard(h.ReplaceFile))
	mux.Handle("DELETE /files", guard(h.DeleteFile))

	chain := ChainMiddleware(
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
		CORSMiddleware(cfg.AllowedOrigins),
		BodyLimitMiddleware(cfg.MaxBodyBytes),
	)

	return chain(mux)
}
