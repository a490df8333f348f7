package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSourceFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote", r.URL.Path)
		assert.Equal(t, "GOLD-2026DEC", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"symbol":"GOLD-2026DEC","price":1912.5,"bid":1912.0,"ask":1913.0,"volume":350}`))
	}))
	defer srv.Close()

	source := NewHTTPSource(srv.URL, time.Second)
	q, err := source.Fetch(context.Background(), "GOLD-2026DEC")
	require.NoError(t, err)
	assert.Equal(t, 1912.5, q.Price)
	assert.Equal(t, 350.0, q.Volume)
}

func TestHTTPSourceErrors(t *testing.T) {
	t.Run("BadStatus", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		source := NewHTTPSource(srv.URL, time.Second)
		_, err := source.Fetch(context.Background(), "X")
		assert.Error(t, err)
	})

	t.Run("BadBody", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not json"))
		}))
		defer srv.Close()

		source := NewHTTPSource(srv.URL, time.Second)
		_, err := source.Fetch(context.Background(), "X")
		assert.Error(t, err)
	})

	t.Run("NonPositivePrice", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"symbol":"X","price":0}`))
		}))
		defer srv.Close()

		source := NewHTTPSource(srv.URL, time.Second)
		_, err := source.Fetch(context.Background(), "X")
		assert.Error(t, err)
	})

	t.Run("ContextCancelled", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer srv.Close()

		source := NewHTTPSource(srv.URL, time.Second)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := source.Fetch(ctx, "X")
		assert.Error(t, err)
	})
}
