package lighter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/model"
)

func TestPlaceHedgeOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/order", r.URL.Path)
		require.Equal(t, "key", r.Header.Get("X-Api-Key"))

		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "sell", req["side"])
		assert.Equal(t, "market", req["order_type"])
		assert.Equal(t, "0.5", req["size"])
		assert.Equal(t, float64(3), req["account_index"])

		w.Write([]byte(`{"order_id":"h-9","avg_price":"100.07","filled_size":"0.5","status":"filled"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", 3, 1)
	res, err := c.PlaceHedgeOrder(context.Background(), model.SideSell, decimal.RequireFromString("0.5"))
	require.NoError(t, err)
	assert.Equal(t, "h-9", res.OrderID)
	assert.Equal(t, "100.07", res.AvgPrice.String())
	assert.Equal(t, "0.5", res.Qty.String())
}

func TestPlaceHedgeOrderNotFilled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"order_id":"h-9","avg_price":"0","status":"rejected"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", 3, 1)
	_, err := c.PlaceHedgeOrder(context.Background(), model.SideBuy, decimal.NewFromInt(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}

func TestPosition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/account", r.URL.Path)
		require.Equal(t, "3", r.URL.Query().Get("account_index"))
		w.Write([]byte(`{"positions":[
			{"market_id":2,"sign":1,"position":"9"},
			{"market_id":1,"sign":-1,"position":"0.75"}
		]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", 3, 1)
	pos, err := c.Position(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "-0.75", pos.String())
}

func TestPositionMissingMarketIsFlat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"positions":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", 3, 1)
	pos, err := c.Position(context.Background())
	require.NoError(t, err)
	assert.True(t, pos.IsZero())
}
