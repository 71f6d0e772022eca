package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/log"
	"github.com/cuemby/runway/pkg/types"
	"github.com/labstack/echo/v4"
)

// Error types produced by the server itself
const (
	TypeNotFound   = "NotFound"
	TypeConflict   = "Conflict"
	TypeHTTP       = "HTTPError"
	TypeInternal   = "InternalError"
	TypeBadRequest = "BadRequest"
)

func exception(typ, message, traceback string) *types.ResultEnvelope {
	env := &types.ResultEnvelope{
		Error:      types.StrPtr(message),
		ErrorType:  typ,
		OutputType: types.OutputException,
	}
	if traceback != "" {
		env.Traceback = types.StrPtr(traceback)
	}
	return env
}

// errorEnvelope converts an execution error into an exception envelope
func errorEnvelope(err error) *types.ResultEnvelope {
	var rerr *errdefs.RemoteError
	switch {
	case errors.As(err, &rerr):
		return exception(rerr.Type, rerr.Message, rerr.Traceback)
	case errors.Is(err, context.Canceled):
		return exception(errdefs.TypeCancelled, "run cancelled", "")
	case errors.Is(err, context.DeadlineExceeded):
		return exception(errdefs.TypeCancelled, err.Error(), "")
	case errors.Is(err, errdefs.ErrInvalidArgument):
		return exception(errdefs.TypeInvalidArgument, err.Error(), "")
	default:
		return exception(errdefs.TypeExecution, err.Error(), "")
	}
}

// statusFor maps handler errors to HTTP status and envelope type
func statusFor(err error) (int, string) {
	var he *echo.HTTPError
	switch {
	case errors.Is(err, errdefs.ErrAuth):
		return http.StatusUnauthorized, errdefs.TypeAuth
	case errors.Is(err, errdefs.ErrResourceNotFound):
		return http.StatusNotFound, errdefs.TypeResourceNotFound
	case errors.Is(err, errdefs.ErrNotFound):
		return http.StatusNotFound, TypeNotFound
	case errors.Is(err, errdefs.ErrInvalidArgument):
		return http.StatusBadRequest, errdefs.TypeInvalidArgument
	case errors.Is(err, errdefs.ErrStatusConflict):
		return http.StatusConflict, TypeConflict
	case errors.As(err, &he):
		return he.Code, TypeHTTP
	default:
		return http.StatusInternalServerError, TypeInternal
	}
}

// errorHandler renders every handler error as an exception envelope so
// clients decode one shape regardless of where the failure happened
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code, typ := statusFor(err)
	message := err.Error()

	var he *echo.HTTPError
	if errors.As(err, &he) {
		if m, ok := he.Message.(string); ok {
			message = m
		}
	}

	var serr *serializationError
	if errors.As(err, &serr) {
		code, typ = http.StatusBadRequest, errdefs.TypeSerialization
	}

	if code >= http.StatusInternalServerError {
		logger := log.WithComponent("api")
		logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("request failed")
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, exception(typ, message, ""))
}

// serializationError marks a payload that could not be decoded
type serializationError struct {
	err error
}

func (e *serializationError) Error() string { return e.err.Error() }
func (e *serializationError) Unwrap() error { return e.err }
