package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/vnmchuo/aegis-gateway/internal/gate"
)

// normalizeError rewrites an upstream error body into
// {"error": {..., "provider", "status"}}. Known shapes are an OpenAI style
// {"error": {...}}, a Gemini style [{"error": {...}}], and {"message": ...}.
func normalizeError(provider string, status int, raw []byte) map[string]any {
	fallback := string(raw)
	if fallback == "" {
		fallback = fmt.Sprintf("Upstream error (%d)", status)
	}
	body := map[string]any{"message": fallback}

	var parsed any
	if err := json.Unmarshal(raw, &parsed); err == nil {
		switch v := parsed.(type) {
		case []any:
			if len(v) > 0 {
				if first, ok := v[0].(map[string]any); ok {
					if e, ok := first["error"]; ok && e != nil {
						body = errorFields(e, fallback)
					}
				}
			}
		case map[string]any:
			if e, ok := v["error"]; ok && e != nil {
				body = errorFields(e, fallback)
			} else if m, ok := v["message"]; ok && m != nil {
				body = map[string]any{"message": fmt.Sprint(m)}
			}
		}
	}
	body["provider"] = provider
	body["status"] = status
	return map[string]any{"error": body}
}

func errorFields(e any, fallback string) map[string]any {
	if obj, ok := e.(map[string]any); ok {
		return obj
	}
	if s, ok := e.(string); ok && s != "" {
		return map[string]any{"message": s}
	}
	return map[string]any{"message": fallback}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": code, "message": message},
	})
}

// gateStatus maps an admission denial to its HTTP status.
func gateStatus(k gate.Kind) int {
	switch k {
	case gate.KindPolicy:
		return http.StatusForbidden
	case gate.KindBudgetExceeded:
		return http.StatusPaymentRequired
	case gate.KindPolicyUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeGateError(w http.ResponseWriter, err error) {
	var ge *gate.Error
	if !errors.As(err, &ge) {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	body := map[string]any{
		"code":    string(ge.Kind),
		"message": ge.Message,
	}
	if ge.Rule != "" {
		body["rule"] = ge.Rule
	}
	if ge.Kind == gate.KindBudgetExceeded {
		body["remainingUsd"] = ge.RemainingUSD
		body["neededUsd"] = ge.NeededUSD
	}
	writeJSON(w, gateStatus(ge.Kind), map[string]any{"error": body})
}
