package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/model"
)

func fill(id string) model.FeedEvent {
	return model.FeedEvent{Fill: &model.FillEvent{
		OrderID: id,
		Side:    model.SideBuy,
		Price:   decimal.NewFromInt(100),
		Filled:  decimal.NewFromInt(1),
	}}
}

func TestTryPublishFull(t *testing.T) {
	q := NewQueue(2)

	require.NoError(t, q.TryPublish(fill("a")))
	require.NoError(t, q.TryPublish(fill("b")))
	assert.ErrorIs(t, q.TryPublish(fill("c")), ErrQueueFull)
	assert.Equal(t, 2, q.Len())
}

func TestPublishAfterClose(t *testing.T) {
	q := NewQueue(2)
	q.Close()
	assert.ErrorIs(t, q.TryPublish(fill("a")), ErrQueueClosed)
	q.Close() // idempotent
}

func TestRunDeliversInOrder(t *testing.T) {
	q := NewQueue(8)
	require.NoError(t, q.TryPublish(fill("a")))
	require.NoError(t, q.TryPublish(fill("b")))
	require.NoError(t, q.TryPublish(model.FeedEvent{Cancel: "c"}))
	q.Close()

	var got []string
	q.Run(context.Background(), func(ev model.FeedEvent) {
		if ev.Fill != nil {
			got = append(got, ev.Fill.OrderID)
			return
		}
		got = append(got, ev.Cancel)
	})
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestRunDrainsBufferedEventsAfterClose(t *testing.T) {
	q := NewQueue(8)
	require.NoError(t, q.TryPublish(fill("a")))
	require.NoError(t, q.TryPublish(fill("b")))
	q.Close()

	var got int
	q.Run(context.Background(), func(model.FeedEvent) { got++ })
	assert.Equal(t, 2, got, "events accepted before Close must still be delivered")
}

func TestRunStopsOnContext(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		q.Run(ctx, func(model.FeedEvent) {})
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}

func TestConcurrentPublishAndClose(t *testing.T) {
	q := NewQueue(4)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for q.TryPublish(fill("x")) != ErrQueueClosed {
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	q.Close()
	wg.Wait()
}
