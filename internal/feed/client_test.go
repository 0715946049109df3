package feed

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/model"
	"main/internal/obs"
)

type fakeConn struct {
	mu       sync.Mutex
	incoming chan []byte
	written  [][]byte
	closed   bool
}

func newFakeConn(frames ...string) *fakeConn {
	c := &fakeConn{incoming: make(chan []byte, 16+len(frames))}
	for _, f := range frames {
		c.incoming <- []byte(f)
	}
	return c
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	msg, ok := <-c.incoming
	if !ok {
		return nil, io.EOF
	}
	return msg, nil
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.incoming)
	}
	return nil
}

func (c *fakeConn) sentFrames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, w := range c.written {
		out[i] = string(w)
	}
	return out
}

func dialerFor(conns ...*fakeConn) Dialer {
	var mu sync.Mutex
	i := 0
	return func(ctx context.Context, url string) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(conns) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		c := conns[i]
		i++
		return c, nil
	}
}

func testClientConfig() Config {
	return Config{
		URL:               "wss://example.test/stream",
		Token:             "jwt-token",
		ReconnectInterval: 10 * time.Millisecond,
		AckTimeout:        time.Second,
	}
}

func TestAuthSubscribeAndFill(t *testing.T) {
	conn := newFakeConn(
		`{"code":0,"message":"ok"}`,
		`{"channel":"order","data":{"id":"o-1","side":"buy","price":"100.5","qty":"2","filled":"1.5","status":"partially_filled"}}`,
	)

	var (
		mu     sync.Mutex
		fills  []model.FillEvent
		subbed bool
	)
	client := NewClient(testClientConfig(), dialerFor(conn), Hooks{
		OnFill: func(f model.FillEvent) {
			mu.Lock()
			fills = append(fills, f)
			mu.Unlock()
		},
		OnSubscribed: func(ctx context.Context) error {
			mu.Lock()
			subbed = true
			mu.Unlock()
			return nil
		},
	}, obs.NewMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		client.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fills) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	f := fills[0]
	assert.True(t, subbed, "reconciliation hook must run before streaming")
	mu.Unlock()

	assert.Equal(t, "o-1", f.OrderID)
	assert.Equal(t, model.SideBuy, f.Side)
	assert.Equal(t, "100.5", f.Price.String())
	assert.Equal(t, "1.5", f.Filled.String())
	assert.False(t, f.Synthetic)

	sent := conn.sentFrames()
	require.Len(t, sent, 1, "auth and subscribe must be one combined frame")
	assert.JSONEq(t, `{"auth":{"token":"jwt-token","streams":[{"channel":"order"}]}}`, sent[0])

	cancel()
	conn.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRepeatedRejectionEscalates(t *testing.T) {
	reject := `{"code":400,"message":"invalid request payload"}`
	conns := []*fakeConn{newFakeConn(reject), newFakeConn(reject), newFakeConn(reject)}

	var (
		mu     sync.Mutex
		reason string
	)
	metrics := obs.NewMetrics()
	client := NewClient(testClientConfig(), dialerFor(conns...), Hooks{
		OnFatal: func(r string) {
			mu.Lock()
			reason = r
			mu.Unlock()
		},
	}, metrics)

	done := make(chan struct{})
	go func() {
		client.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run must give up after repeated rejections")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, reason, "code 400")
	assert.Equal(t, StateDisconnected, client.State())
	assert.Equal(t, uint64(2), metrics.Snapshot().Reconnects, "first two rejections retry")
}

func TestRejectionThenSuccessRecovers(t *testing.T) {
	first := newFakeConn(`{"code":400,"message":"invalid request payload"}`)
	second := newFakeConn(
		`{"code":0}`,
		`{"channel":"order","data":{"id":"o-5","side":"buy","price":"100","qty":"1","filled":"1","status":"filled"}}`,
	)

	var (
		mu    sync.Mutex
		fills []model.FillEvent
		fatal bool
	)
	client := NewClient(testClientConfig(), dialerFor(first, second), Hooks{
		OnFill: func(f model.FillEvent) {
			mu.Lock()
			fills = append(fills, f)
			mu.Unlock()
		},
		OnFatal: func(string) {
			mu.Lock()
			fatal = true
			mu.Unlock()
		},
	}, obs.NewMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fills) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "o-5", fills[0].OrderID)
	assert.False(t, fatal, "a single rejection must not escalate")
}

func TestReconnectAfterDrop(t *testing.T) {
	first := newFakeConn(`{"code":0}`)
	second := newFakeConn(
		`{"code":0}`,
		`{"channel":"order","data":{"id":"o-2","side":"sell","price":"99","qty":"1","filled":"1","status":"filled"}}`,
	)

	var (
		mu        sync.Mutex
		fills     []model.FillEvent
		subscribe int
	)
	metrics := obs.NewMetrics()
	client := NewClient(testClientConfig(), dialerFor(first, second), Hooks{
		OnFill: func(f model.FillEvent) {
			mu.Lock()
			fills = append(fills, f)
			mu.Unlock()
		},
		OnSubscribed: func(ctx context.Context) error {
			mu.Lock()
			subscribe++
			mu.Unlock()
			return nil
		},
	}, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	// Drop the first connection once it is live.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return subscribe == 1
	}, time.Second, 5*time.Millisecond)
	first.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return subscribe == 2 && len(fills) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "o-2", fills[0].OrderID)
	assert.Equal(t, model.SideSell, fills[0].Side)
	assert.Equal(t, uint64(1), metrics.Snapshot().Reconnects)
}

func TestIgnoresNonFillUpdates(t *testing.T) {
	conn := newFakeConn(
		`{"code":0}`,
		`{"channel":"order","data":{"id":"o-3","side":"buy","price":"100","qty":"1","filled":"0","status":"open"}}`,
		`{"channel":"heartbeat"}`,
		`{"channel":"order","data":{"id":"o-3","side":"buy","price":"100","qty":"1","filled":"1","status":"filled"}}`,
	)

	var (
		mu    sync.Mutex
		fills []model.FillEvent
	)
	client := NewClient(testClientConfig(), dialerFor(conn), Hooks{
		OnFill: func(f model.FillEvent) {
			mu.Lock()
			fills = append(fills, f)
			mu.Unlock()
		},
	}, obs.NewMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fills) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "o-3", fills[0].OrderID)
	assert.Equal(t, "1", fills[0].Filled.String())
}

func TestCancelEchoesSurface(t *testing.T) {
	conn := newFakeConn(
		`{"code":0}`,
		`{"channel":"order","data":{"id":"o-4","side":"buy","price":"100","qty":"1","filled":"0","status":"cancelled"}}`,
		`{"channel":"order","data":{"id":"o-5","side":"sell","price":"101","qty":"1","filled":"0","status":"rejected"}}`,
	)

	var (
		mu      sync.Mutex
		fills   []model.FillEvent
		cancels []string
	)
	client := NewClient(testClientConfig(), dialerFor(conn), Hooks{
		OnFill: func(f model.FillEvent) {
			mu.Lock()
			fills = append(fills, f)
			mu.Unlock()
		},
		OnCancel: func(orderID string) {
			mu.Lock()
			cancels = append(cancels, orderID)
			mu.Unlock()
		},
	}, obs.NewMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(cancels) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"o-4", "o-5"}, cancels)
	assert.Empty(t, fills, "a dropped order is not a fill")
}
