package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

const (
	CodeValidation = "VALIDATION_ERROR"
	CodeNotFound   = "NOT_FOUND"
	CodeStorage    = "STORAGE_ERROR"
)

var (
	// Category sentinels, matched with errors.Is by code.
	ErrValidation    = NewErr(CodeValidation, "invalid request", http.StatusBadRequest)
	ErrPasteNotFound = NewErr(CodeNotFound, "not found", http.StatusNotFound)
	ErrStorage       = NewErr(CodeStorage, "internal server error", http.StatusInternalServerError)

	ErrContentRequired    = ValidationError("content is required")
	ErrInvalidTTL         = ValidationError("invalid ttl_seconds")
	ErrInvalidMaxViews    = ValidationError("invalid max_views")
	ErrPasteTooLarge      = ValidationError("content too large")
	ErrInvalidEncoding    = ValidationError("content must be valid UTF-8")
	ErrInvalidRequest     = ValidationError("invalid request body")
	ErrUnsupportedMedia   = NewErr("UNSUPPORTED_MEDIA_TYPE", "expected Content-Type: application/json", http.StatusUnsupportedMediaType)
	ErrIDGenerationFailed = NewErr(CodeStorage, "id generation failed", http.StatusInternalServerError)
	ErrShuttingDown       = NewErr("UNAVAILABLE", "service shutting down", http.StatusServiceUnavailable)
	ErrInternalServer     = NewErr("INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
	cause  error
}

func (e *Err) Error() string {
	if e.cause != nil {
		return e.Msg + ": " + e.cause.Error()
	}
	return e.Msg
}

func (e *Err) Unwrap() error { return e.cause }

// Is reports category equality, so every validation failure Is ErrValidation.
func (e *Err) Is(target error) bool {
	t, ok := target.(*Err)
	return ok && t.Code == e.Code
}

func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

func ValidationError(msg string) *Err {
	return NewErr(CodeValidation, msg, http.StatusBadRequest)
}

// Storage classifies an I/O failure. The cause stays reachable for logs
// but never reaches a response body.
func Storage(op string, cause error) error {
	if cause == nil {
		return nil
	}
	var e *Err
	if errors.As(cause, &e) && e.Code == CodeStorage {
		return cause
	}
	return &Err{Code: CodeStorage, Msg: op, Status: http.StatusInternalServerError, cause: cause}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string                 `json:"code"`
	Msg  string                 `json:"message"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func ToResp(err error) ErrResp {
	var e *Err
	if errors.As(err, &e) {
		if e.Status >= 500 {
			return ErrResp{Error: ErrDetail{Code: e.Code, Msg: "internal server error"}}
		}
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal server error"}}
}

func Status(err error) int {
	var e *Err
	if errors.As(err, &e) {
		return e.Status
	}
	return http.StatusInternalServerError
}
