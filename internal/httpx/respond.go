package httpx

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-engine/internal/apperr"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    apperr.Kind    `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   string         `json:"cause,omitempty"`
}

// ErrorWriter renders typed errors. Causes reach the body only in dev mode.
type ErrorWriter struct {
	Logger  *zap.Logger
	DevMode bool
}

func (ew ErrorWriter) Write(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.From(err)
	status := apperr.HTTPStatus(e.Kind)

	fields := []zap.Field{
		zap.String("kind", string(e.Kind)),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		ew.logger().Error("request failed", fields...)
	} else {
		ew.logger().Info("request rejected", fields...)
	}

	body := errorDetail{Kind: e.Kind, Message: e.Message, Details: e.Details}
	if ew.DevMode && e.Cause != nil {
		body.Cause = e.Cause.Error()
	}
	writeJSON(w, status, errorBody{Error: body})
}

func (ew ErrorWriter) logger() *zap.Logger {
	if ew.Logger == nil {
		return zap.NewNop()
	}
	return ew.Logger
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Wrap(apperr.KindBadRequest, err, "invalid json")
	}
	return nil
}
