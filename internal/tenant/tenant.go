// Package tenant extracts caller identity headers into the request context.
// Identity is trusted as given.
package tenant

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/vnmchuo/aegis-gateway/internal/policy"
)

const (
	HeaderTenantID  = "X-Tenant-Id"
	HeaderRunID     = "X-Run-Id"
	HeaderRequestID = "X-Request-Id"
)

type contextKey string

const (
	tenantIDKey  contextKey = "tenant_id"
	runIDKey     contextKey = "run_id"
	requestIDKey contextKey = "request_id"
)

type Middleware func(next http.Handler) http.Handler

// NewMiddleware resolves tenant, run and request ids. When required is false
// a missing tenant becomes the default tenant and a missing run becomes the
// request id.
func NewMiddleware(required bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := strings.TrimSpace(r.Header.Get(HeaderRequestID))
			if requestID == "" {
				requestID = chimiddleware.GetReqID(ctx)
			}
			if requestID == "" {
				requestID = uuid.New().String()
			}
			w.Header().Set(HeaderRequestID, requestID)

			tenantID := strings.TrimSpace(r.Header.Get(HeaderTenantID))
			runID := strings.TrimSpace(r.Header.Get(HeaderRunID))
			if required && (tenantID == "" || runID == "") {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]string{
						"code":    "missing_identity",
						"message": "x-tenant-id and x-run-id headers are required",
					},
				})
				return
			}
			if tenantID == "" {
				tenantID = policy.DefaultTenant
			}
			if runID == "" {
				runID = requestID
			}

			ctx = context.WithValue(ctx, tenantIDKey, tenantID)
			ctx = context.WithValue(ctx, runIDKey, runID)
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Helpers to extract from context
func GetTenantID(ctx context.Context) string {
	if id, ok := ctx.Value(tenantIDKey).(string); ok {
		return id
	}
	return ""
}

func GetRunID(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok {
		return id
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
