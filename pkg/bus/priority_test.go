package bus_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyrexcad/cadcore/pkg/bus"
)

// Scenario 2: priority interleaving (spec.md §8 scenario 2). Four messages
// enqueued in the order low, high, normal, high must be delivered
// high, high, normal, low, with emission order breaking ties.
func TestPriorityOrdering(t *testing.T) {
	cfg := bus.DefaultConfig()
	cfg.EnablePriorityQueue = true
	cfg.AdaptiveProcessing = false
	b := bus.New(cfg, nil)
	defer b.Shutdown()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	var count int

	_, err := b.Subscribe("seq.*", func(msg *bus.Message) error {
		mu.Lock()
		order = append(order, msg.Data.(string))
		count++
		if count == 4 {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	// Gate the dispatcher on a blocked handler so all four seq.* messages
	// land in their priority queues before draining resumes; otherwise the
	// single dispatcher goroutine could start draining before later Emit
	// calls enqueue their messages.
	gateEntered := make(chan struct{})
	release := make(chan struct{})
	_, err = b.Subscribe("gate", func(*bus.Message) error {
		close(gateEntered)
		<-release
		return nil
	})
	require.NoError(t, err)

	_, _ = b.Emit("gate", nil, bus.WithEmitPriority(bus.PriorityHigh))
	<-gateEntered

	_, _ = b.Emit("seq.1", "low-1", bus.WithEmitPriority(bus.PriorityLow))
	_, _ = b.Emit("seq.2", "high-1", bus.WithEmitPriority(bus.PriorityHigh))
	_, _ = b.Emit("seq.3", "normal-1", bus.WithEmitPriority(bus.PriorityNormal))
	_, _ = b.Emit("seq.4", "high-2", bus.WithEmitPriority(bus.PriorityHigh))
	time.Sleep(20 * time.Millisecond) // let the enqueues land while the dispatcher is gated

	close(release)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for all four deliveries")
	}

	require.Len(t, order, 4)
	assert.Equal(t, []string{"high-1", "high-2", "normal-1", "low-1"}, order)
}

// Scenario 3: backpressure drops low priority under pressure (spec.md §8
// scenario 3). The bus only gates low-priority traffic once the measured
// pressure level exceeds 0.9, which requires all three priority queues to
// be near full at once; pressure is recomputed at most once per 100ms, so
// the fill is staged with sleeps that outlast that window.
func TestBackpressureDropsLowPriorityUnderPressure(t *testing.T) {
	cfg := bus.DefaultConfig()
	cfg.EnablePriorityQueue = true
	cfg.MaxQueueSize = 2
	cfg.EnableBackpressure = true
	cfg.BackpressureThreshold = 0.1
	cfg.AdaptiveProcessing = false
	b := bus.New(cfg, nil)
	defer b.Shutdown()

	block := make(chan struct{})
	_, err := b.Subscribe("gate", func(*bus.Message) error {
		<-block
		return nil
	})
	require.NoError(t, err)

	_, _ = b.Emit("gate", nil, bus.WithEmitPriority(bus.PriorityNormal))
	// The dispatcher is now stuck delivering "gate"; everything emitted
	// below only ever accumulates in its priority queue.
	time.Sleep(20 * time.Millisecond)

	_, _ = b.Emit("fill", nil, bus.WithEmitPriority(bus.PriorityHigh))
	_, _ = b.Emit("fill", nil, bus.WithEmitPriority(bus.PriorityHigh))
	time.Sleep(110 * time.Millisecond)

	_, _ = b.Emit("fill", nil, bus.WithEmitPriority(bus.PriorityNormal))
	_, _ = b.Emit("fill", nil, bus.WithEmitPriority(bus.PriorityNormal))
	time.Sleep(110 * time.Millisecond)

	_, _ = b.Emit("fill", nil, bus.WithEmitPriority(bus.PriorityLow))
	_, _ = b.Emit("fill", nil, bus.WithEmitPriority(bus.PriorityLow))
	time.Sleep(110 * time.Millisecond)

	before := b.Stats().MessagesDropped

	// All three queues are now at MaxQueueSize (2 each): pressure computed
	// on this call reflects total==3*MaxQueueSize, i.e. level 1.0.
	_, err = b.Emit("fill", nil, bus.WithEmitPriority(bus.PriorityLow))
	require.NoError(t, err)

	time.Sleep(110 * time.Millisecond) // outlast the Stats() cache window
	after := b.Stats().MessagesDropped
	assert.Greater(t, after, before, "low-priority traffic must be dropped once pressure exceeds 0.9")

	close(block)
}

func TestDropOldestPolicyEvictsHeadOfQueue(t *testing.T) {
	cfg := bus.DefaultConfig()
	cfg.EnablePriorityQueue = true
	cfg.MaxQueueSize = 2
	cfg.DropPolicy = bus.DropOldest
	cfg.EnableBackpressure = false
	cfg.AdaptiveProcessing = false
	b := bus.New(cfg, nil)
	defer b.Shutdown()

	block := make(chan struct{})
	var mu sync.Mutex
	var seen []string
	allDone := make(chan struct{})
	var n int

	_, err := b.Subscribe("evict", func(msg *bus.Message) error {
		<-block
		mu.Lock()
		seen = append(seen, msg.Data.(string))
		n++
		if n == 3 {
			close(allDone)
		}
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	// "first" is dequeued immediately and blocks the dispatcher inside its
	// handler, so "second"/"third"/"fourth" all land in the queue while it
	// is still at most 2 deep: inserting "fourth" on a full queue evicts
	// the oldest entry, "second".
	_, _ = b.Emit("evict", "first", bus.WithEmitPriority(bus.PriorityNormal))
	time.Sleep(20 * time.Millisecond)
	_, _ = b.Emit("evict", "second", bus.WithEmitPriority(bus.PriorityNormal))
	_, _ = b.Emit("evict", "third", bus.WithEmitPriority(bus.PriorityNormal))
	_, _ = b.Emit("evict", "fourth", bus.WithEmitPriority(bus.PriorityNormal))

	close(block)

	select {
	case <-allDone:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	assert.Equal(t, []string{"first", "third", "fourth"}, seen, "with queue size 2 and drop-oldest, 'second' must be evicted by 'fourth'")
}
