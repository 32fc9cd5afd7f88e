package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketdata/internal/xerrors"
)

func TestClient_Get_BuildsURLAndDecodesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`[1,2,3]`))
	}))
	defer server.Close()

	c := New(Config{Venue: "TEST", BaseURL: server.URL})
	q := make(map[string][]string)
	q["symbol"] = []string{"BTCUSDT"}
	body, err := c.Get(context.Background(), "/api/v3/klines", q, nil)
	require.NoError(t, err)
	assert.Equal(t, "[1,2,3]", string(body))
}

func TestClient_4xx_MapsToProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"msg":"bad symbol"}`))
	}))
	defer server.Close()

	c := New(Config{Venue: "TEST", BaseURL: server.URL})
	_, err := c.Get(context.Background(), "/x", nil, nil)
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.KindProvider))
}

func TestClient_429_RetriesOnceThenSurfacesRateLimit(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := New(Config{Venue: "TEST", BaseURL: server.URL})
	_, err := c.Get(context.Background(), "/x", nil, nil)
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.KindRateLimit))
	// one initial attempt plus MaxRetryAfterRetries retries
	assert.Equal(t, int32(1+MaxRetryAfterRetries), atomic.LoadInt32(&hits))
}

func TestClient_ResponseHookSetsThrottle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	hook := ResponseHook(func(resp *http.Response) (float64, bool) {
		return 0.05, true
	})
	c := New(Config{Venue: "TEST", BaseURL: server.URL, Hooks: []ResponseHook{hook}})
	_, err := c.Get(context.Background(), "/x", nil, nil)
	require.NoError(t, err)

	c.mu.Lock()
	until := c.until
	c.mu.Unlock()
	assert.False(t, until.IsZero())
}

func TestClient_ResponseHookPanicIsRecovered(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	hook := ResponseHook(func(resp *http.Response) (float64, bool) {
		panic("boom")
	})
	c := New(Config{Venue: "TEST", BaseURL: server.URL, Hooks: []ResponseHook{hook}})
	_, err := c.Get(context.Background(), "/x", nil, nil)
	require.NoError(t, err)
}

// SetThrottle never shortens an already-longer throttle window (monotonicity
// invariant spec.md §8 names for reconnect/backoff windows).
func TestClient_SetThrottle_IsMonotonic(t *testing.T) {
	c := New(Config{Venue: "TEST", BaseURL: "http://example.invalid"})
	c.SetThrottle(5 * time.Second)
	first := c.until
	c.SetThrottle(1 * time.Millisecond)
	assert.Equal(t, first, c.until)

	c.SetThrottle(10 * time.Second)
	assert.True(t, c.until.After(first))
}
