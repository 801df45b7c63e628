package kernel

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/juergmar/FileDownloadBackend/internal/core/domain"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Code: code, Message: message})
}

// statusFor maps a service error to its HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrAccessDenied):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrUnsupportedFileType):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, domain.ErrJobAlreadyExists):
		return http.StatusConflict, "job_exists"
	case errors.Is(err, domain.ErrFileNotReady):
		return http.StatusConflict, "file_not_ready"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, domain.ErrServiceOverloaded), errors.Is(err, domain.ErrQueueFull), errors.Is(err, domain.ErrShuttingDown):
		return http.StatusServiceUnavailable, "overloaded"
	case errors.Is(err, domain.ErrConcurrencyExhausted):
		return http.StatusServiceUnavailable, "retry"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, status, code, "internal error")
		return
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeError(w, status, code, err.Error())
}
