package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestCoinGeckoSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("ids") != "solana" || q.Get("vs_currencies") != "gold" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"solana":{"gold":20.5,"last_updated_at":1700000000}}`))
	}))
	defer srv.Close()

	src, err := NewRegistry().Build("", "coingecko", srv.URL, "", map[string]string{"devsol": "solana"})
	require.NoError(t, err)
	require.Equal(t, "coingecko", src.Name())

	q, err := src.Fetch(context.Background(), "DEVSOL", "GOLD")
	require.NoError(t, err)
	require.True(t, q.Rate.Equal(decimal.RequireFromString("20.5")))
	require.Equal(t, int64(1700000000), q.Timestamp.Unix())

	_, err = src.Fetch(context.Background(), "DEVSOL", "SILVER")
	require.Error(t, err)
}

func TestNowPaymentsSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "k" {
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("from") == "BAD" {
			_, _ = w.Write([]byte(`{"rate":"0","timestamp":1700000000}`))
			return
		}
		_, _ = w.Write([]byte(`{"rate":"0.05","timestamp":1700000000}`))
	}))
	defer srv.Close()

	src, err := NewRegistry().Build("np", "NOWPayments", srv.URL, "k", nil)
	require.NoError(t, err)
	q, err := src.Fetch(context.Background(), "gold", "devsol")
	require.NoError(t, err)
	require.True(t, q.Rate.Equal(decimal.RequireFromString("0.05")))
	require.Equal(t, "np", q.Source)

	_, err = src.Fetch(context.Background(), "BAD", "devsol")
	require.Error(t, err)

	_, err = NewRegistry().Build("x", "binance", "", "", nil)
	require.Error(t, err)
}
