package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc "))
	assert.Equal(t, "", BearerToken("Basic abc"))
	assert.Equal(t, "", BearerToken(""))
}

func TestCheck(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.ErrorIs(t, Check(req, "s3cret"), ErrUnauthorized)

	req.Header.Set("Authorization", "Bearer wrong")
	assert.ErrorIs(t, Check(req, "s3cret"), ErrUnauthorized)

	req.Header.Set("Authorization", "Bearer s3cret")
	assert.NoError(t, Check(req, "s3cret"))
	assert.ErrorIs(t, Check(req, ""), ErrUnauthorized)
}

func TestMiddleware(t *testing.T) {
	e := echo.New()
	failures := 0
	handler := Middleware("s3cret", func() { failures++ })(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	require.NoError(t, handler(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 1, failures)

	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	require.NoError(t, handler(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)
}
