package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/print-quote-service/internal/apperr"
)

var statusByKind = map[apperr.Kind]int{
	apperr.KindValidation:          http.StatusBadRequest,
	apperr.KindSSRFBlocked:         http.StatusBadRequest,
	apperr.KindInvalidContentType:  http.StatusUnsupportedMediaType,
	apperr.KindSizeExceeded:        http.StatusRequestEntityTooLarge,
	apperr.KindNetwork:             http.StatusBadGateway,
	apperr.KindUnreadableDocument:  http.StatusUnprocessableEntity,
	apperr.KindInvalidDocument:     http.StatusUnprocessableEntity,
	apperr.KindAnalysisFailed:      http.StatusInternalServerError,
	apperr.KindJobNotFound:         http.StatusNotFound,
	apperr.KindJobExpired:          http.StatusGone,
	apperr.KindTokenMismatch:       http.StatusConflict,
	apperr.KindTokenExpired:        http.StatusGone,
	apperr.KindUpstreamTimeout:     http.StatusGatewayTimeout,
	apperr.KindUpstreamUnavailable: http.StatusServiceUnavailable,
}

// StatusFor maps an error to its HTTP status and code string.
func StatusFor(err error) (int, string) {
	kind, ok := apperr.KindOf(err)
	if !ok {
		return http.StatusInternalServerError, "Internal"
	}
	status, ok := statusByKind[kind]
	if !ok {
		return http.StatusInternalServerError, string(kind)
	}
	return status, string(kind)
}

type failure struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := StatusFor(err)
	msg := apperr.Message(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("code", code),
			zap.Error(err),
		)
		var ae *apperr.Error
		if !errors.As(err, &ae) {
			msg = "internal server error"
		}
	}
	writeFailure(w, status, msg, code)
}

func writeFailure(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, failure{Success: false, Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}
