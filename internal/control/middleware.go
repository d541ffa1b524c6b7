package control

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/zivhm/MAHORAGA/internal/observ"
)

var errUnauthorized = errors.New("unauthorized")

// bearerAuth accepts "Authorization: Bearer <token>". With no token configured every
// request is refused.
func bearerAuth(token string) echo.MiddlewareFunc {
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup:  "header:" + echo.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator: func(key string, _ echo.Context) (bool, error) {
			if token == "" {
				return false, nil
			}
			return subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1, nil
		},
		ErrorHandler: func(_ error, c echo.Context) error {
			observ.Warn("control_auth_failed", map[string]any{"path": c.Path(), "remote": c.RealIP()})
			return replyError(c, http.StatusUnauthorized, errUnauthorized)
		},
	})
}

func recoverPanics() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					observ.Error("control_panic", map[string]any{"path": c.Path(), "panic": fmt.Sprint(r)})
					err = replyError(c, http.StatusInternalServerError, errors.New(http.StatusText(http.StatusInternalServerError)))
				}
			}()
			return next(c)
		}
	}
}

func logRequests() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			status := c.Response().Status
			observ.Log("control_request", map[string]any{
				"method":      c.Request().Method,
				"path":        c.Path(),
				"status":      status,
				"duration_ms": time.Since(start).Milliseconds(),
			})
			observ.IncCounter("control_requests_total", map[string]string{
				"route": c.Path(),
				"code":  strconv.Itoa(status),
			})
			return nil
		}
	}
}
