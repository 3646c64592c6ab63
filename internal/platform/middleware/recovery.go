package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/ehr/study-ingest/internal/platform/metrics"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Recovery turns a handler panic into a 500 "internal_error".
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}
				metrics.RecordPanic("http")
				logger.Error().
					Str("request_id", GetRequestID(c)).
					Str("route", c.Path()).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")
				err = echo.NewHTTPError(http.StatusInternalServerError, "internal_error")
			}()
			return next(c)
		}
	}
}
