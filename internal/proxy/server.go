package proxy

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/vnmchuo/aegis-gateway/internal/tenant"
)

type ServerConfig struct {
	RequireTenantHeader bool
	// CORSAllowedOrigins enables CORS when non-empty.
	CORSAllowedOrigins []string
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Logger  *zap.Logger
}

// NewServer wires the gateway routes.
func NewServer(h *Handler, cfg ServerConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(chimiddleware.Recoverer)

	if len(cfg.CORSAllowedOrigins) > 0 {
		allowed := []string{"Accept", "Authorization", "Content-Type", tenant.HeaderTenantID, tenant.HeaderRunID, tenant.HeaderRequestID, HeaderProvider}
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: allowed,
			ExposedHeaders: []string{tenant.HeaderRequestID, HeaderProvider},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", h.HandleHealthz)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(tenant.NewMiddleware(cfg.RequireTenantHeader))
		r.Post("/v1/chat/completions", h.HandleChatCompletions)
		r.Get("/v1/budget", h.HandleBudget)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]string{"message": "Not found"}})
	})
	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", chimiddleware.GetReqID(r.Context())),
			)
		})
	}
}
