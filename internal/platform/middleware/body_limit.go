package middleware

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const defaultBodyLimit = 1 << 20

// BodyLimit caps request bodies. Record creation and version appends carry a
// clinical document and get payloadLimit; everything else gets defaultLimit.
// Sizes are written like "512K", "8M" or "1G"; a bare number is bytes.
//
// A declared Content-Length over the limit is refused before the handler
// runs. Otherwise reads are capped, and a handler that hit the cap gets a 413
// whatever error it returned.
func BodyLimit(defaultLimit, payloadLimit string) echo.MiddlewareFunc {
	small, large := parseLimit(defaultLimit), parseLimit(payloadLimit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := small
			if carriesPayload(req) {
				limit = large
			}
			if req.ContentLength > limit {
				return tooLarge(limit)
			}

			body := &cappedBody{ReadCloser: http.MaxBytesReader(c.Response(), req.Body, limit)}
			req.Body = body

			err := next(c)
			if body.hit {
				return tooLarge(limit)
			}
			return err
		}
	}
}

type cappedBody struct {
	io.ReadCloser
	hit bool
}

func (b *cappedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		b.hit = true
	}
	return n, err
}

func carriesPayload(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	p := strings.TrimSuffix(r.URL.Path, "/")
	return strings.HasSuffix(p, "/ehr/records") || strings.HasSuffix(p, "/versions")
}

func tooLarge(limit int64) error {
	return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
		fmt.Sprintf("request body exceeds %d bytes", limit))
}

var sizeUnits = []struct {
	suffix string
	shift  uint
}{
	{"GB", 30}, {"G", 30},
	{"MB", 20}, {"M", 20},
	{"KB", 10}, {"K", 10},
}

// parseLimit falls back to 1M for empty or malformed sizes.
func parseLimit(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	var shift uint
	for _, u := range sizeUnits {
		if rest, ok := strings.CutSuffix(s, u.suffix); ok {
			s, shift = rest, u.shift
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return defaultBodyLimit
	}
	return n << shift
}
