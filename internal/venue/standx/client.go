// Package standx is the maker venue REST client.
package standx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/model"
	"main/internal/venue"
)

const requestTimeout = 10 * time.Second

// Client talks to the maker venue's trade API with a bearer token.
type Client struct {
	baseURL string
	token   string
	symbol  string
	http    *http.Client
}

func New(baseURL, token, symbol string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		symbol:  symbol,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

type placeOrderRequest struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"order_type"`
	Qty         string `json:"qty"`
	Price       string `json:"price"`
	TimeInForce string `json:"time_in_force"`
	ReduceOnly  bool   `json:"reduce_only"`
	ClOrdID     string `json:"cl_ord_id"`
}

type placeOrderResponse struct {
	RequestID string `json:"request_id"`
}

// PlaceOrder submits a GTC limit order.
func (c *Client) PlaceOrder(ctx context.Context, req venue.OrderRequest) (model.Order, error) {
	body := placeOrderRequest{
		Symbol:      c.symbol,
		Side:        req.Side.String(),
		OrderType:   "limit",
		Qty:         req.Qty.String(),
		Price:       req.Price.String(),
		TimeInForce: "gtc",
		ReduceOnly:  req.ReduceOnly,
		ClOrdID:     req.ClientID,
	}

	var resp placeOrderResponse
	if err := c.post(ctx, "/api/new_order", body, &resp); err != nil {
		return model.Order{}, errors.Wrap(err, "place order")
	}
	if resp.RequestID == "" {
		return model.Order{}, errors.New("place order: empty request id")
	}

	return model.Order{
		ID:         resp.RequestID,
		ClientID:   req.ClientID,
		Side:       req.Side,
		Price:      req.Price,
		Qty:        req.Qty,
		State:      model.OrderStateResting,
		ReduceOnly: req.ReduceOnly,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

type cancelOrdersRequest struct {
	OrderIDList []int64 `json:"order_id_list"`
}

// CancelOrders cancels by venue order id. Ids that are not numeric are
// client ids the venue never acknowledged; they are skipped.
func (c *Client) CancelOrders(ctx context.Context, orderIDs []string) error {
	ids := make([]int64, 0, len(orderIDs))
	for _, id := range orderIDs {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			logs.Warnf("skipping non-numeric order id %q in cancel", id)
			continue
		}
		ids = append(ids, n)
	}
	if len(ids) == 0 {
		return nil
	}
	if err := c.post(ctx, "/api/cancel_orders", cancelOrdersRequest{OrderIDList: ids}, nil); err != nil {
		return errors.Wrap(err, "cancel orders")
	}
	return nil
}

type openOrdersResponse struct {
	Result []openOrderEntry `json:"result"`
}

type openOrderEntry struct {
	ID      int64           `json:"id"`
	ClOrdID string          `json:"cl_ord_id"`
	Side    string          `json:"side"`
	Price   decimal.Decimal `json:"price"`
	Qty     decimal.Decimal `json:"qty"`
	Filled  decimal.Decimal `json:"filled"`
	Status  string          `json:"status"`
}

// ListOpenOrders returns the venue's open orders for the symbol.
func (c *Client) ListOpenOrders(ctx context.Context) ([]model.Order, error) {
	var resp openOrdersResponse
	if err := c.get(ctx, "/api/query_open_orders", url.Values{"symbol": {c.symbol}}, &resp); err != nil {
		return nil, errors.Wrap(err, "query open orders")
	}

	orders := make([]model.Order, 0, len(resp.Result))
	for _, entry := range resp.Result {
		side, err := model.ParseSide(strings.ToLower(entry.Side))
		if err != nil {
			logs.Warnf("open order %d has unknown side %q", entry.ID, entry.Side)
			continue
		}
		state := model.OrderStateResting
		if entry.Filled.IsPositive() {
			state = model.OrderStatePartFilled
		}
		orders = append(orders, model.Order{
			ID:        strconv.FormatInt(entry.ID, 10),
			ClientID:  entry.ClOrdID,
			Side:      side,
			Price:     entry.Price,
			Qty:       entry.Qty,
			FilledQty: entry.Filled,
			State:     state,
		})
	}
	return orders, nil
}

type positionEntry struct {
	Symbol string          `json:"symbol"`
	Status string          `json:"status"`
	Qty    decimal.Decimal `json:"qty"`
}

// Position returns the signed net position for the symbol.
func (c *Client) Position(ctx context.Context) (decimal.Decimal, error) {
	var resp []positionEntry
	if err := c.get(ctx, "/api/query_positions", url.Values{"symbol": {c.symbol}}, &resp); err != nil {
		return decimal.Zero, errors.Wrap(err, "query positions")
	}
	for _, pos := range resp {
		if pos.Symbol == c.symbol && pos.Status == "open" {
			return pos.Qty, nil
		}
	}
	return decimal.Zero, nil
}

type symbolPriceResponse struct {
	MarkPrice decimal.Decimal `json:"mark_price"`
	SpreadBid decimal.Decimal `json:"spread_bid"`
	SpreadAsk decimal.Decimal `json:"spread_ask"`
}

// CurrentPrice returns the mark price, falling back to the spread mid
// when the venue omits it.
func (c *Client) CurrentPrice(ctx context.Context) (decimal.Decimal, error) {
	var resp symbolPriceResponse
	if err := c.get(ctx, "/api/query_symbol_price", url.Values{"symbol": {c.symbol}}, &resp); err != nil {
		return decimal.Zero, errors.Wrap(err, "query symbol price")
	}
	if resp.MarkPrice.IsPositive() {
		return resp.MarkPrice, nil
	}
	if resp.SpreadBid.IsPositive() && resp.SpreadAsk.IsPositive() {
		return resp.SpreadBid.Add(resp.SpreadAsk).Div(decimal.NewFromInt(2)), nil
	}
	return decimal.Zero, errors.New("no usable price in symbol price response")
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := sonic.ConfigFastest.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("%s %s: status %d: %s",
			req.Method, req.URL.Path, resp.StatusCode, truncate(raw))
	}
	if out == nil {
		return nil
	}
	if err := sonic.ConfigFastest.Unmarshal(raw, out); err != nil {
		return errors.Wrapf(err, "decode %s response", req.URL.Path)
	}
	return nil
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}
