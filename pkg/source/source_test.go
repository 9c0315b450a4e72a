package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turbolytics/pricewatch/pkg/transport"
)

func TestNewIdentity(t *testing.T) {
	t.Run("stable across cosmetic url differences", func(t *testing.T) {
		a := NewIdentity("Shoes", "https://Example.com/p/123/?utm_source=x#top")
		b := NewIdentity("shoes", "https://example.com/p/123")
		assert.Equal(t, a, b)
		assert.Len(t, a.String(), 64)
	})

	t.Run("source is part of the identity", func(t *testing.T) {
		a := NewIdentity("a", "https://example.com/p/1")
		b := NewIdentity("b", "https://example.com/p/1")
		assert.NotEqual(t, a, b)
	})
}

func TestCanonicalURL(t *testing.T) {
	assert.Equal(t, "https://example.com/p?size=9", CanonicalURL("HTTPS://EXAMPLE.com/p/?utm_medium=x&size=9"))
	assert.Equal(t, "https://example.com/", CanonicalURL("https://example.com/"))
	assert.Equal(t, "not a url", CanonicalURL("not a url/"))
}

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *HTTPJSON {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := transport.New(
		transport.WithRetryPolicy(transport.RetryPolicy{MaxRetries: 0, Base: 2}),
	)
	fixed := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	a, err := NewHTTPJSON("shoes", srv.URL, client, HTTPJSONWithClock(func() time.Time { return fixed }))
	require.NoError(t, err)
	return a
}

func TestHTTPJSON(t *testing.T) {
	t.Run("name is stable", func(t *testing.T) {
		a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {})
		assert.Equal(t, "shoes", a.Name())
		assert.Equal(t, a.Name(), a.Name())
	})

	t.Run("fetches wrapped listings up to limit", func(t *testing.T) {
		a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/search", r.URL.Path)
			assert.Equal(t, "sandals", r.URL.Query().Get("q"))
			assert.Equal(t, "2", r.URL.Query().Get("limit"))
			w.Write([]byte(`{"listings":[
				{"url":"https://shop.test/a","name":"A","brand":"X","price":"19.95","image":"a.jpg"},
				{"url":"https://shop.test/b","name":"B","price":35,"available":false},
				{"url":"https://shop.test/c","name":"C","price":1}
			]}`))
		})

		listings, err := a.FetchListings(context.Background(), "sandals", 2)
		require.NoError(t, err)
		require.Len(t, listings, 2)

		assert.Equal(t, NewIdentity("shoes", "https://shop.test/a"), listings[0].ID)
		assert.True(t, decimal.RequireFromString("19.95").Equal(listings[0].Price))
		assert.Equal(t, "X", listings[0].Brand)
		assert.True(t, listings[0].Available)
		assert.False(t, listings[1].Available)
		assert.True(t, decimal.NewFromInt(35).Equal(listings[1].Price))
	})

	t.Run("zero results is not an error", func(t *testing.T) {
		a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`[]`))
		})
		listings, err := a.FetchListings(context.Background(), "nothing", 10)
		require.NoError(t, err)
		assert.Empty(t, listings)
	})

	t.Run("malformed payload is permanent", func(t *testing.T) {
		a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html>`))
		})
		_, err := a.FetchListings(context.Background(), "x", 10)
		require.Error(t, err)
		assert.True(t, transport.IsPermanent(err))
	})

	t.Run("probe reports false on failure", func(t *testing.T) {
		a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		assert.False(t, a.ProbeHealth(context.Background()))
	})

	t.Run("probe reports true on 2xx", func(t *testing.T) {
		a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/health", r.URL.Path)
		})
		assert.True(t, a.ProbeHealth(context.Background()))
	})
}
