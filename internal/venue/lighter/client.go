// Package lighter is the hedge venue client. Hedges go out as market
// orders; the venue's acknowledgement carries the average execution
// price used for PnL.
package lighter

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"main/internal/model"
	"main/internal/venue"
)

const requestTimeout = 10 * time.Second

// Client talks to the hedge venue's order API.
type Client struct {
	baseURL      string
	apiKey       string
	accountIndex int
	marketID     int
	http         *http.Client
}

func New(baseURL, apiKey string, accountIndex, marketID int) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		accountIndex: accountIndex,
		marketID:     marketID,
		http:         &http.Client{Timeout: requestTimeout},
	}
}

type createOrderRequest struct {
	AccountIndex int    `json:"account_index"`
	MarketID     int    `json:"market_id"`
	Side         string `json:"side"`
	OrderType    string `json:"order_type"`
	Size         string `json:"size"`
}

type createOrderResponse struct {
	OrderID  string          `json:"order_id"`
	AvgPrice decimal.Decimal `json:"avg_price"`
	Filled   decimal.Decimal `json:"filled_size"`
	Status   string          `json:"status"`
}

// PlaceHedgeOrder submits a market order and waits for the synchronous
// acknowledgement. Anything but a filled ack is an error so the caller
// retries.
func (c *Client) PlaceHedgeOrder(ctx context.Context, side model.Side, qty decimal.Decimal) (venue.HedgeResult, error) {
	body := createOrderRequest{
		AccountIndex: c.accountIndex,
		MarketID:     c.marketID,
		Side:         side.String(),
		OrderType:    "market",
		Size:         qty.String(),
	}

	var resp createOrderResponse
	if err := c.post(ctx, "/api/v1/order", body, &resp); err != nil {
		return venue.HedgeResult{}, errors.Wrap(err, "place hedge order")
	}
	if resp.Status != "filled" {
		return venue.HedgeResult{}, errors.Errorf("hedge order %s not filled: status %q", resp.OrderID, resp.Status)
	}
	if !resp.AvgPrice.IsPositive() {
		return venue.HedgeResult{}, errors.Errorf("hedge order %s has no execution price", resp.OrderID)
	}

	filled := resp.Filled
	if filled.IsZero() {
		filled = qty
	}
	return venue.HedgeResult{
		OrderID:  resp.OrderID,
		AvgPrice: resp.AvgPrice,
		Qty:      filled,
	}, nil
}

type accountResponse struct {
	Positions []accountPosition `json:"positions"`
}

type accountPosition struct {
	MarketID int             `json:"market_id"`
	Sign     int             `json:"sign"`
	Size     decimal.Decimal `json:"position"`
}

// Position returns the signed net position for the configured market.
func (c *Client) Position(ctx context.Context) (decimal.Decimal, error) {
	var resp accountResponse
	path := "/api/v1/account?account_index=" + strconv.Itoa(c.accountIndex)
	if err := c.get(ctx, path, &resp); err != nil {
		return decimal.Zero, errors.Wrap(err, "query account")
	}
	for _, pos := range resp.Positions {
		if pos.MarketID != c.marketID {
			continue
		}
		if pos.Sign < 0 {
			return pos.Size.Neg(), nil
		}
		return pos.Size, nil
	}
	return decimal.Zero, nil
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

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("X-Api-Key", c.apiKey)

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
