// Package auth checks bearer shared secrets on relay and coordinator routes.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// ErrUnauthorized is returned for a missing or wrong credential.
var ErrUnauthorized = errors.New("unauthorized")

// BearerToken extracts the token from an Authorization header.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// Check compares the request's bearer token with secret in constant time.
// An empty secret rejects every request.
func Check(r *http.Request, secret string) error {
	token := BearerToken(r.Header.Get("Authorization"))
	if secret == "" || token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// Middleware rejects requests without the shared secret. onFailure may be nil.
func Middleware(secret string, onFailure func()) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if err := Check(c.Request(), secret); err != nil {
				if onFailure != nil {
					onFailure()
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": err.Error()})
			}
			return next(c)
		}
	}
}
