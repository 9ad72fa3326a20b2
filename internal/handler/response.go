package handler

import (
	"encoding/json"
	"net/http"

	"github.com/Laisky/zap"
	"github.com/go-chi/chi/v5/middleware"

	"gridoc/internal/domain"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Status  int    `json:"status"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusOf(kind domain.Kind) (int, string) {
	switch kind {
	case domain.KindNotFound:
		return http.StatusNotFound, string(domain.KindNotFound)
	case domain.KindValidation:
		return http.StatusBadRequest, string(domain.KindValidation)
	case domain.KindConsistency:
		return http.StatusInternalServerError, string(domain.KindConsistency)
	default:
		return http.StatusInternalServerError, string(domain.KindStorage)
	}
}

// writeError logs err at the level its kind deserves and writes the error
// envelope. Internal details never reach the client.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error, fields ...zap.Field) {
	kind := domain.KindOf(err)
	status, name := statusOf(kind)

	fields = append(fields,
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("kind", string(kind)),
		zap.Error(err),
	)
	if id := middleware.GetReqID(r.Context()); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}

	switch kind {
	case domain.KindNotFound, domain.KindValidation:
		logger.Debug("request rejected", fields...)
	case domain.KindConsistency:
		logger.Error("consistency violation", append(fields, zap.Bool("consistency_violation", true))...)
	default:
		logger.Error("request failed", fields...)
	}

	writeJSON(w, status, ErrorResponse{
		Status:  status,
		Name:    name,
		Message: domain.Public(err),
	})
}
