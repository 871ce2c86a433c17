package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/and161185/cipherline/internal/convert"
	"github.com/and161185/cipherline/internal/errs"
	"go.uber.org/zap"
)

var notFoundKinds = []error{
	errs.ErrParticipantNotFound,
	errs.ErrMessageNotFound,
	errs.ErrAttachmentNotFound,
	errs.ErrFileMissing,
}

// statusFor maps a service error to an HTTP status and a client-safe message.
func statusFor(err error) (int, string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, errs.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, "request body too large"
	case errors.Is(err, errs.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, errs.ErrAccessDenied):
		return http.StatusForbidden, "access denied"
	case errors.Is(err, errs.ErrNotFound):
		for _, k := range notFoundKinds {
			if errors.Is(err, k) {
				return http.StatusNotFound, k.Error()
			}
		}
		return http.StatusNotFound, "not found"
	case errors.Is(err, errs.ErrAlreadyExists):
		return http.StatusConflict, "already exists"
	case errors.Is(err, errs.ErrRateLimited):
		return http.StatusTooManyRequests, "rate limited"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := statusFor(err)
	var rl *errs.RateLimitError
	if errors.As(err, &rl) {
		secs := int(rl.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	if code == http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, code, convert.Error{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
