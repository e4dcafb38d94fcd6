package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driveup/internal/config"
	"driveup/internal/credentials"
	"driveup/internal/mirror"
)

type tokenServer struct {
	*httptest.Server
	calls    atomic.Int32
	failures atomic.Int32
	lastForm atomic.Value
}

// newTokenServer answers refresh requests, failing the first failures calls.
func newTokenServer(t *testing.T, failures int32) *tokenServer {
	t.Helper()
	ts := &tokenServer{}
	ts.failures.Store(failures)
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := ts.calls.Add(1)
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ts.lastForm.Store(r.PostForm)

		if n <= ts.failures.Load() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh-token","token_type":"Bearer","expires_in":3600}`))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func testAuthConfig(tokenURL string) config.AuthConfig {
	return config.AuthConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		TokenURL:     tokenURL,
	}
}

func TestNewProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("refreshes on construction", func(t *testing.T) {
		ts := newTokenServer(t, 0)
		store := credentials.NewMemoryStore(&credentials.Credentials{RefreshToken: "refresh-1"})

		p, err := NewProvider(ctx, testAuthConfig(ts.URL), store, WithSaver(store))
		require.NoError(t, err)

		assert.Equal(t, "Bearer fresh-token", p.AuthHeader())
		assert.Equal(t, int32(1), ts.calls.Load())

		form := ts.lastForm.Load().(url.Values)
		assert.Equal(t, []string{"client-id"}, form["client_id"])
		assert.Equal(t, []string{"client-secret"}, form["client_secret"])
		assert.Equal(t, []string{"refresh-1"}, form["refresh_token"])
		assert.Equal(t, []string{"refresh_token"}, form["grant_type"])

		saved, err := store.Load()
		require.NoError(t, err)
		assert.Equal(t, "fresh-token", saved.AccessToken)
		assert.Equal(t, "refresh-1", saved.RefreshToken, "refresh token is kept when the server omits it")
	})

	t.Run("retries construction", func(t *testing.T) {
		ts := newTokenServer(t, 2)
		store := credentials.NewMemoryStore(&credentials.Credentials{RefreshToken: "refresh-1"})

		p, err := NewProvider(ctx, testAuthConfig(ts.URL), store)
		require.NoError(t, err)
		assert.Equal(t, "Bearer fresh-token", p.AuthHeader())
		assert.Equal(t, int32(3), ts.calls.Load())
	})

	t.Run("fails after three attempts", func(t *testing.T) {
		ts := newTokenServer(t, 100)
		store := credentials.NewMemoryStore(&credentials.Credentials{RefreshToken: "refresh-1"})

		_, err := NewProvider(ctx, testAuthConfig(ts.URL), store)
		require.Error(t, err)
		assert.True(t, errors.Is(err, mirror.ErrUnauthenticated))
		assert.Equal(t, int32(3), ts.calls.Load())
	})

	t.Run("fails fast without credentials", func(t *testing.T) {
		ts := newTokenServer(t, 0)

		_, err := NewProvider(ctx, testAuthConfig(ts.URL), credentials.NewMemoryStore(nil))
		require.ErrorIs(t, err, credentials.ErrNotConfigured)
		assert.Equal(t, int32(0), ts.calls.Load())
	})

	t.Run("uses the injected http client", func(t *testing.T) {
		ts := newTokenServer(t, 0)
		var used atomic.Bool
		client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			used.Store(true)
			return http.DefaultTransport.RoundTrip(r)
		})}

		_, err := NewProvider(ctx, testAuthConfig(ts.URL), credentials.NewMemoryStore(&credentials.Credentials{RefreshToken: "r"}), WithHTTPClient(client))
		require.NoError(t, err)
		assert.True(t, used.Load())
	})
}

func TestProvider_RefreshClearsAndReseeds(t *testing.T) {
	ts := newTokenServer(t, 0)
	store := credentials.NewMemoryStore(&credentials.Credentials{RefreshToken: "refresh-1"})

	p, err := NewProvider(context.Background(), testAuthConfig(ts.URL), store)
	require.NoError(t, err)

	// The next exchange fails and the cached token is dropped.
	ts.failures.Store(ts.calls.Load() + 1)
	err = p.Refresh(context.Background())
	require.ErrorIs(t, err, mirror.ErrUnauthenticated)
	assert.Equal(t, "", p.AuthHeader())

	// The store now holds a new refresh token; the provider picks it up.
	require.NoError(t, store.Save(&credentials.Credentials{RefreshToken: "refresh-2"}))
	require.NoError(t, p.Refresh(context.Background()))
	assert.Equal(t, "Bearer fresh-token", p.AuthHeader())

	form := ts.lastForm.Load().(url.Values)
	assert.Equal(t, []string{"refresh-2"}, form["refresh_token"])
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
