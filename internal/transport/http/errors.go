package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/sfpack1703/pack-rsvp/services/api/internal/domain"
)

const (
	codeInvalidArgument   = "invalid-argument"
	codeUnauthenticated   = "unauthenticated"
	codePermissionDenied  = "permission-denied"
	codeNotFound          = "not-found"
	codeAlreadyExists     = "already-exists"
	codeResourceExhausted = "resource-exhausted"
	codeMethodNotAllowed  = "method-not-allowed"
	codeUnavailable       = "unavailable"
	codeInternal          = "internal"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	payload, err := json.Marshal(errorResponse{
		Error: msg,
		Code:  code,
	})
	if err != nil {
		_, _ = w.Write([]byte(`{"error":"internal error","code":"internal"}`))
		return
	}
	_, _ = w.Write(payload)
}

// writeDomainError maps err onto an HTTP status and canonical code name.
// Domain error messages are caller-safe and pass through; any other error is
// reported with fallback.
func writeDomainError(w http.ResponseWriter, logger *zap.Logger, err error, fallback string) {
	status, name := statusFor(domain.CodeOf(err))

	msg := fallback
	var de *domain.Error
	if errors.As(err, &de) && de.Message != "" {
		msg = de.Message
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.String("code", name), zap.Error(err))
	}
	writeError(w, status, name, msg)
}

func statusFor(code codes.Code) (int, string) {
	switch code {
	case codes.InvalidArgument:
		return http.StatusBadRequest, codeInvalidArgument
	case codes.Unauthenticated:
		return http.StatusUnauthorized, codeUnauthenticated
	case codes.PermissionDenied:
		return http.StatusForbidden, codePermissionDenied
	case codes.NotFound:
		return http.StatusNotFound, codeNotFound
	case codes.AlreadyExists:
		return http.StatusConflict, codeAlreadyExists
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests, codeResourceExhausted
	case codes.Unavailable, codes.Aborted:
		return http.StatusServiceUnavailable, codeUnavailable
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
