package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout puts a deadline on the request context. The handler runs on
// the request goroutine and sees the deadline through every backend call; if
// it fails after the deadline passed the error becomes a 504. Health probes
// get no deadline.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if strings.HasPrefix(c.Request().URL.Path, "/health") {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				var he *echo.HTTPError
				if errors.As(err, &he) && he.Code < http.StatusInternalServerError {
					return err
				}
				return echo.NewHTTPError(http.StatusGatewayTimeout,
					"request exceeded "+timeout.String()).SetInternal(err)
			}
			return err
		}
	}
}
