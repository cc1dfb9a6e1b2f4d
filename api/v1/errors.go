package v1

import (
	"errors"
	"net/http"

	"github.com/tinoosan/dlgroup/internal/data"
)

var (
	ErrPatchCtx          = errors.New("patch body missing in context")
	ErrDesiredStatusJSON = errors.New("desiredStatus is required")
	ErrKeyRequired       = errors.New("key is required")
	ErrURLRequired       = errors.New("url is required")
	ErrLocalPathRequired = errors.New("localPath is required")
	ErrContentType       = errors.New("Content-Type must be application/json")
)

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, data.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, data.ErrDuplicateKey):
		return http.StatusConflict
	case errors.Is(err, data.ErrValidation), errors.Is(err, data.ErrBadStatus):
		return http.StatusBadRequest
	case errors.Is(err, data.ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	markErr(w, err)
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "internal error"
	}
	http.Error(w, msg, code)
}
