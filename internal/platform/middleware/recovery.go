package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const maxStackBytes = 8 << 10

// Recovery turns a panic in a handler into a 500 with the standard error
// body. http.ErrAbortHandler is re-raised so net/http can abort the
// connection as intended.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if e, ok := r.(error); ok && errors.Is(e, http.ErrAbortHandler) {
					panic(r)
				}

				stack := make([]byte, maxStackBytes)
				stack = stack[:runtime.Stack(stack, false)]

				logger.Error().
					Interface("request_id", c.Get("request_id")).
					Str("method", c.Request().Method).
					Str("route", c.Path()).
					Str("panic", fmt.Sprint(r)).
					Bytes("stack", stack).
					Msg("handler panicked")

				err = echo.NewHTTPError(http.StatusInternalServerError, errorBody{
					Error: "internal error",
					Code:  "internal_error",
				})
			}()
			return next(c)
		}
	}
}

// errorBody matches the error shape of the API handlers.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
