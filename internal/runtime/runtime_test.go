package runtime

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/newsdesk/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func protected(secret []byte, scopes ...string) *echo.Echo {
	e := echo.New()
	g := e.Group("/api", EchoAuthMiddleware(secret))
	g.GET("/who", func(c echo.Context) error {
		sub, _ := SubjectFromContext(c.Request().Context())
		return c.String(http.StatusOK, sub)
	}, RequireScopes(scopes...))
	return e
}

func call(e *echo.Echo, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/who", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddleware(t *testing.T) {
	secret := []byte("s3cret")
	e := protected(secret, ScopeRunsWrite)

	good, err := SignJWT("editor", secret, time.Hour, ScopeRunsRead, ScopeRunsWrite)
	require.NoError(t, err)
	readOnly, err := SignJWT("reader", secret, time.Hour, ScopeRunsRead)
	require.NoError(t, err)
	expired, err := SignJWT("editor", secret, -time.Minute, ScopeRunsWrite)
	require.NoError(t, err)
	foreign, err := SignJWT("editor", []byte("other"), time.Hour, ScopeRunsWrite)
	require.NoError(t, err)
	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "editor", "scopes": []string{ScopeRunsWrite}})
	noExpSigned, err := noExp.SignedString(secret)
	require.NoError(t, err)

	cases := []struct {
		name  string
		token string
		code  int
	}{
		{"valid", good, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"expired", expired, http.StatusUnauthorized},
		{"wrong secret", foreign, http.StatusUnauthorized},
		{"no expiry", noExpSigned, http.StatusUnauthorized},
		{"missing scope", readOnly, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := call(e, tc.token)
			assert.Equal(t, tc.code, rec.Code)
			if tc.code == http.StatusOK {
				assert.Equal(t, "editor", rec.Body.String())
			}
		})
	}
}

func TestNormaliseScopes(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, normaliseScopes("a  b"))
	assert.Equal(t, []string{"a"}, normaliseScopes([]interface{}{" a ", 3, ""}))
	assert.Nil(t, normaliseScopes(42))
}

func TestLoadJWTSecret(t *testing.T) {
	_, err := LoadJWTSecret(&config.Config{})
	assert.ErrorIs(t, err, ErrNoJWTSecret)
	_, err = SignJWT("x", nil, time.Hour)
	assert.ErrorIs(t, err, ErrNoJWTSecret)

	s, err := LoadJWTSecret(&config.Config{Server: config.ServerConfig{JWTSecret: " k "}})
	require.NoError(t, err)
	assert.Equal(t, []byte("k"), s)
}

func TestBuildPostgresDSN(t *testing.T) {
	_, err := BuildPostgresDSN(&config.Config{})
	assert.ErrorIs(t, err, ErrPostgresNotConfigured)

	cfg := &config.Config{Storage: config.StorageConfig{Postgres: config.PostgresConfig{
		Host: "db", User: "u", Password: "p", DBName: "newsdesk",
	}}}
	dsn, err := BuildPostgresDSN(cfg)
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db:5432/newsdesk?sslmode=disable", dsn)
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(config.GeneralConfig{LogLevel: "warn"})
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(-1))

	_, err = NewLogger(config.GeneralConfig{LogLevel: "chatty"})
	assert.Error(t, err)

	d, err := NewLogger(config.GeneralConfig{Debug: true, LogLevel: "error"})
	require.NoError(t, err)
	assert.True(t, d.Core().Enabled(-1))
}
