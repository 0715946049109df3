// Package feed maintains the maker venue's private order stream. It
// owns the connect, authenticate and subscribe sequence, converts order
// updates into fill events, and drives reconciliation after every
// (re)subscribe so fills missed during an outage are recovered.
package feed

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/model"
	"main/internal/obs"
)

// State is the connection lifecycle phase.
type State uint32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateSubscribed
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribed:
		return "subscribed"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Conn is one established stream connection.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a new connection to the stream endpoint.
type Dialer func(ctx context.Context, url string) (Conn, error)

// Config holds the stream endpoint settings.
type Config struct {
	URL               string
	Token             string
	ReconnectInterval time.Duration
	AckTimeout        time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
}

// Hooks are the client's callbacks into the rest of the engine. OnFill
// and OnCancel run on the read goroutine and must not block. OnCancel
// fires when the venue drops an order without filling it. OnSubscribed
// runs after every successful subscribe, before the stream is
// considered live; reconciliation lives behind it. OnFatal is invoked
// once when the venue has rejected the session repeatedly and retrying
// cannot help.
type Hooks struct {
	OnFill       func(model.FillEvent)
	OnCancel     func(orderID string)
	OnSubscribed func(ctx context.Context) error
	OnFatal      func(reason string)
}

// maxRejections is the number of consecutive venue rejections of the
// auth/subscribe request tolerated before the stream gives up.
const maxRejections = 3

// Client runs the private order stream with automatic reconnect.
type Client struct {
	cfg     Config
	dial    Dialer
	hooks   Hooks
	metrics *obs.Metrics
	state   uint32

	// rejections counts consecutive session rejections. Touched only by
	// the Run goroutine.
	rejections int
}

func NewClient(cfg Config, dial Dialer, hooks Hooks, metrics *obs.Metrics) *Client {
	cfg.applyDefaults()
	return &Client{cfg: cfg, dial: dial, hooks: hooks, metrics: metrics}
}

// State returns the current lifecycle phase.
func (c *Client) State() State {
	return State(atomic.LoadUint32(&c.state))
}

func (c *Client) setState(s State) {
	atomic.StoreUint32(&c.state, uint32(s))
}

// Run maintains the stream until the context is done. Every session
// failure waits a fixed interval and reconnects from scratch. A venue
// rejection (bad token, bad subscription) is retried like any other
// failure, but consecutive rejections stop the loop through OnFatal
// instead of hammering the venue forever.
func (c *Client) Run(ctx context.Context) {
	defer c.setState(StateDisconnected)

	for {
		rejected, err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		switch {
		case rejected:
			c.rejections++
			if c.rejections >= maxRejections {
				logs.Errorf("order stream rejected %d times, giving up: %+v", c.rejections, err)
				if c.hooks.OnFatal != nil {
					c.hooks.OnFatal(err.Error())
				}
				return
			}
			logs.Warnf("order stream session rejected (%d/%d): %+v", c.rejections, maxRejections, err)
		case err != nil:
			logs.Warnf("order stream session ended: %+v", err)
		}

		c.setState(StateDisconnected)
		c.metrics.IncReconnect()
		logs.Infof("reconnecting order stream in %s", c.cfg.ReconnectInterval)
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectInterval):
		}
	}
}

// session runs one connection from dial to read failure. The bool is
// true when the venue explicitly rejected the auth/subscribe request.
func (c *Client) session(ctx context.Context) (bool, error) {
	c.setState(StateConnecting)
	conn, err := c.dial(ctx, c.cfg.URL)
	if err != nil {
		return false, errors.Wrap(err, "dial order stream")
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	c.setState(StateAuthenticating)
	if rejected, err := c.authenticate(conn); err != nil {
		return rejected, err
	}
	c.rejections = 0

	c.setState(StateSubscribed)
	if c.hooks.OnSubscribed != nil {
		if err := c.hooks.OnSubscribed(ctx); err != nil {
			return false, errors.Wrap(err, "post-subscribe reconciliation")
		}
	}

	c.setState(StateStreaming)
	logs.Info("order stream live")
	return false, c.readLoop(conn)
}

type authRequest struct {
	Auth authPayload `json:"auth"`
}

type authPayload struct {
	Token   string       `json:"token"`
	Streams []streamSpec `json:"streams"`
}

type streamSpec struct {
	Channel string `json:"channel"`
}

type envelope struct {
	Channel string          `json:"channel"`
	Code    *int            `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// authenticate sends the combined auth-and-subscribe request and waits
// for the venue's acknowledgement. Only an explicit code 0 counts as
// success; any other code is a rejection.
func (c *Client) authenticate(conn Conn) (bool, error) {
	req := authRequest{Auth: authPayload{
		Token:   c.cfg.Token,
		Streams: []streamSpec{{Channel: "order"}},
	}}
	raw, err := sonic.ConfigFastest.Marshal(req)
	if err != nil {
		return false, errors.Wrap(err, "marshal auth request")
	}
	if err := conn.WriteMessage(raw); err != nil {
		return false, errors.Wrap(err, "send auth request")
	}

	deadline := time.Now().Add(c.cfg.AckTimeout)
	for time.Now().Before(deadline) {
		msg, err := conn.ReadMessage()
		if err != nil {
			return false, errors.Wrap(err, "read auth response")
		}

		var env envelope
		if err := sonic.ConfigFastest.Unmarshal(msg, &env); err != nil {
			c.metrics.IncProtocolError()
			return false, errors.Wrapf(err, "malformed auth response: %s", truncate(msg))
		}
		if env.Code == nil {
			// Data frames before the ack are out of protocol.
			c.metrics.IncProtocolError()
			logs.Warnf("unexpected frame before auth ack: %s", truncate(msg))
			continue
		}
		if *env.Code != 0 {
			c.metrics.IncProtocolError()
			return true, errors.Errorf("session rejected with code %d: %s", *env.Code, env.Message)
		}
		return false, nil
	}
	return false, errors.New("timed out waiting for auth acknowledgement")
}

// readLoop consumes order updates until the connection drops.
func (c *Client) readLoop(conn Conn) error {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read order stream")
		}
		c.handleMessage(msg)
	}
}

type orderPayload struct {
	ID     string          `json:"id"`
	Side   string          `json:"side"`
	Price  decimal.Decimal `json:"price"`
	Qty    decimal.Decimal `json:"qty"`
	Filled decimal.Decimal `json:"filled"`
	Status string          `json:"status"`
}

func (c *Client) handleMessage(msg []byte) {
	var env envelope
	if err := sonic.ConfigFastest.Unmarshal(msg, &env); err != nil {
		c.metrics.IncProtocolError()
		logs.Warnf("malformed stream frame: %s", truncate(msg))
		return
	}

	switch env.Channel {
	case "order":
		c.handleOrder(env.Data)
	case "", "ping", "pong", "heartbeat":
		// Keepalive noise.
	default:
		c.metrics.IncProtocolError()
		logs.Warnf("unknown stream channel %q", env.Channel)
	}
}

func (c *Client) handleOrder(data json.RawMessage) {
	var p orderPayload
	if err := sonic.ConfigFastest.Unmarshal(data, &p); err != nil {
		c.metrics.IncProtocolError()
		logs.Warnf("malformed order update: %s", truncate(data))
		return
	}

	switch strings.ToLower(p.Status) {
	case "filled", "completed", "partially_filled":
		if !p.Filled.IsPositive() {
			return
		}
		side, err := model.ParseSide(strings.ToLower(p.Side))
		if err != nil {
			c.metrics.IncProtocolError()
			logs.Warnf("order update %s has unknown side %q", p.ID, p.Side)
			return
		}
		if c.hooks.OnFill != nil {
			c.hooks.OnFill(model.FillEvent{
				OrderID:  p.ID,
				Side:     side,
				Price:    p.Price,
				OrderQty: p.Qty,
				Filled:   p.Filled,
			})
		}
	case "cancelled", "canceled", "rejected":
		// The venue dropped the order without filling it; the resting
		// slot is free again.
		if c.hooks.OnCancel != nil {
			c.hooks.OnCancel(p.ID)
		}
	}
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}
