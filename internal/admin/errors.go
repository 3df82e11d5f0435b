package admin

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/mohammed-shakir/tilecache/internal/core/model"
)

// Stable error codes returned to API clients.
const (
	CodeInvalidRequest   = "invalid_request"
	CodeNoSuchLayer      = "no_such_layer"
	CodeNoSuchCube       = "no_such_cube"
	CodeNoSuchDataset    = "no_such_dataset"
	CodeUpstreamNotReady = "upstream_not_ready"
	CodeStorage          = "storage_error"
	CodeInternal         = "internal_error"
)

// Error is the structured error of the admin service.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }
func (e *Error) Unwrap() error { return e.Err }

// AsError maps any error onto an *Error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		return &Error{Code: CodeInvalidRequest, Message: validationMessage(ve), Status: http.StatusBadRequest, Err: err}
	}
	e := &Error{Message: err.Error(), Err: err}
	switch {
	case errors.Is(err, model.ErrInvalidRequest), errors.Is(err, model.ErrStyleCompile):
		e.Code, e.Status = CodeInvalidRequest, http.StatusBadRequest
	case errors.Is(err, model.ErrNoSuchLayer):
		e.Code, e.Status = CodeNoSuchLayer, http.StatusNotFound
	case errors.Is(err, model.ErrNoSuchCube):
		e.Code, e.Status = CodeNoSuchCube, http.StatusNotFound
	case errors.Is(err, model.ErrNoSuchDataset):
		e.Code, e.Status = CodeNoSuchDataset, http.StatusNotFound
	case errors.Is(err, model.ErrUpstreamNotReady):
		e.Code, e.Status = CodeUpstreamNotReady, http.StatusConflict
	case errors.Is(err, model.ErrStorage):
		e.Code, e.Status = CodeStorage, http.StatusInternalServerError
	default:
		e.Code, e.Status = CodeInternal, http.StatusInternalServerError
	}
	return e
}

func validationMessage(ve validator.ValidationErrors) string {
	var missing, invalid []string
	for _, fe := range ve {
		if fe.Tag() == "required" {
			missing = append(missing, fe.Field())
		} else {
			invalid = append(invalid, fe.Field())
		}
	}
	msg := ""
	if len(missing) > 0 {
		msg = "missing required field(s): " + join(missing)
	}
	if len(invalid) > 0 {
		if msg != "" {
			msg += "; "
		}
		msg += "invalid field(s): " + join(invalid)
	}
	return msg
}

func join(ss []string) string { return strings.Join(ss, ", ") }
