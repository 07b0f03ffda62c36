package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"affiliateledger/internal/config"
	"affiliateledger/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/users/1":
			_, _ = w.Write([]byte(`{"id":1,"signup_time":"2024-03-01T10:00:00Z","is_admin":false}`))
		case "/users/2":
			_, _ = w.Write([]byte(`{"id":2,"signup_time":"2023-01-01T00:00:00Z","is_admin":true}`))
		case "/users/500":
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("boom"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T) *Client {
	srv := newTestServer(t)
	return NewClient(&config.IdentityConfig{BaseURL: srv.URL + "/", Token: "secret", TimeoutSeconds: 2}, nil)
}

func TestGetUserSignupTime(t *testing.T) {
	c := newTestClient(t)

	got, err := c.GetUserSignupTime(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)))

	_, err = c.GetUserSignupTime(context.Background(), 404)
	assert.ErrorIs(t, err, service.ErrUserNotFound)

	_, err = c.GetUserSignupTime(context.Background(), 500)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=500")
}

func TestIsAdmin(t *testing.T) {
	c := newTestClient(t)

	ok, err := c.IsAdmin(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.IsAdmin(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.IsAdmin(context.Background(), 404)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.IsAdmin(context.Background(), 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEmptyBaseURL(t *testing.T) {
	c := NewClient(&config.IdentityConfig{}, nil)
	_, err := c.GetUserSignupTime(context.Background(), 1)
	require.Error(t, err)
}
