package bus_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyrexcad/cadcore/pkg/bus"
)

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	b := bus.New(bus.DefaultConfig(), nil)
	t.Cleanup(b.Shutdown)
	return b
}

// Scenario 1: echo request/response (spec.md §8 scenario 1).
func TestEchoRequestResponse(t *testing.T) {
	b := newTestBus(t)

	unsub, err := b.Subscribe("math.add", func(msg *bus.Message) error {
		data := msg.Data.(map[string]any)
		a := int(data["a"].(float64))
		bb := int(data["b"].(float64))
		return b.Reply(msg.RequestID, true, a+bb, "")
	})
	require.NoError(t, err)
	defer unsub()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := b.Request(ctx, "math.add", map[string]any{"a": 5.0, "b": 3.0}, 0)
	require.NoError(t, err)
	assert.Equal(t, 8, result)
}

func TestSubscribeValidation(t *testing.T) {
	b := newTestBus(t)

	_, err := b.Subscribe("", func(*bus.Message) error { return nil })
	assert.ErrorIs(t, err, bus.ErrEmptyPattern)

	_, err = b.Subscribe("valid", nil)
	assert.ErrorIs(t, err, bus.ErrNilHandler)
}

func TestEmitValidation(t *testing.T) {
	b := newTestBus(t)

	_, err := b.Emit("", nil)
	assert.ErrorIs(t, err, bus.ErrEmptyEvent)
}

// Round-trip: calling the unsubscribe handle twice is safe, and the
// pattern accepts a new subscription afterwards.
func TestUnsubscribeIdempotent(t *testing.T) {
	b := newTestBus(t)

	unsub, err := b.Subscribe("x.y", func(*bus.Message) error { return nil })
	require.NoError(t, err)
	require.Equal(t, int64(1), b.Stats().PeakListeners)

	unsub()
	unsub() // second call must be a no-op

	// Re-subscribing the same pattern should succeed (the old entry is gone).
	_, err = b.Subscribe("x.y", func(*bus.Message) error { return nil })
	require.NoError(t, err)
}

func TestDuplicateHandlerGuard(t *testing.T) {
	b := newTestBus(t)
	var calls int32
	handler := func(*bus.Message) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	_, err := b.Subscribe("dup.event", handler)
	require.NoError(t, err)
	unsub2, err := b.Subscribe("dup.event", handler)
	require.NoError(t, err) // no-op, not an error

	var wg sync.WaitGroup
	wg.Add(1)
	_, err = b.Subscribe("dup.event", func(*bus.Message) error {
		defer wg.Done()
		return nil
	})
	require.NoError(t, err)

	_, err = b.Emit("dup.event", nil)
	require.NoError(t, err)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "duplicate registration must not double-invoke")
	unsub2()
}

func TestSubscribeOnceFiresOnlyOnce(t *testing.T) {
	b := newTestBus(t)
	var calls int32
	done := make(chan struct{}, 2)

	_, err := b.SubscribeOnce("once.event", func(*bus.Message) error {
		atomic.AddInt32(&calls, 1)
		done <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	_, _ = b.Emit("once.event", nil)
	_, _ = b.Emit("once.event", nil)

	<-done
	time.Sleep(10 * time.Millisecond) // let a stray second delivery (if buggy) land
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

// Scenario 5: handler fault containment (spec.md §8 scenario 5).
func TestHandlerFaultContainment(t *testing.T) {
	b := newTestBus(t)

	var h2Count int32
	var sysErrCount int32
	sysErrDone := make(chan struct{})

	_, err := b.Subscribe("t", func(*bus.Message) error {
		panic("boom")
	})
	require.NoError(t, err)

	_, err = b.Subscribe("t", func(*bus.Message) error {
		atomic.AddInt32(&h2Count, 1)
		return nil
	})
	require.NoError(t, err)

	_, err = b.Subscribe(bus.EventSystemError, func(*bus.Message) error {
		if atomic.AddInt32(&sysErrCount, 1) == 1 {
			close(sysErrDone)
		}
		return nil // must not itself loop if it throws; here it just counts
	})
	require.NoError(t, err)

	_, err = b.Emit("t", nil)
	require.NoError(t, err)

	select {
	case <-sysErrDone:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for system.error")
	}

	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&h2Count))
	assert.EqualValues(t, 1, atomic.LoadInt32(&sysErrCount), "system.error must be emitted exactly once, no re-entrant loop")
	assert.EqualValues(t, int64(1), b.Stats().ErrorsCaught)
}

// Scenario 4: timeout (spec.md §8 scenario 4).
func TestRequestTimeout(t *testing.T) {
	cfg := bus.DefaultConfig()
	cfg.MaxTimeout = 100 * time.Millisecond
	b := bus.New(cfg, nil)
	defer b.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	_, err := b.Request(ctx, "nobody.answers", nil, 5*time.Second)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, bus.ErrRequestTimeout)
	assert.LessOrEqual(t, elapsed, 200*time.Millisecond)
	assert.EqualValues(t, 1, b.Stats().RequestsTimedOut)
}

// Scenario 6: shutdown terminates pending requests (spec.md §8 scenario 6).
func TestShutdownTerminatesPendingRequests(t *testing.T) {
	b := bus.New(bus.DefaultConfig(), nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Request(context.Background(), "nobody.answers", nil, time.Minute)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	b.Shutdown()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, bus.ErrBusShutDown)
	case <-time.After(time.Second):
		t.Fatal("pending request did not resolve on shutdown")
	}

	assert.Equal(t, 0, b.Stats().PendingRequests)
}

func TestMaxPendingRequests(t *testing.T) {
	cfg := bus.DefaultConfig()
	cfg.MaxPendingRequests = 1
	b := bus.New(cfg, nil)
	defer b.Shutdown()

	go func() {
		_, _ = b.Request(context.Background(), "slow", nil, time.Minute)
	}()
	time.Sleep(20 * time.Millisecond)

	_, err := b.Request(context.Background(), "slow2", nil, time.Minute)
	assert.ErrorIs(t, err, bus.ErrTooManyPendingRequests)
}

func TestDataTooLarge(t *testing.T) {
	cfg := bus.DefaultConfig()
	cfg.MaxDataSize = 10
	b := bus.New(cfg, nil)
	defer b.Shutdown()

	before := b.Stats().MessagesDropped
	_, err := b.Emit("big.event", map[string]string{"payload": "this is definitely over ten bytes"})
	assert.ErrorIs(t, err, bus.ErrDataTooLarge)
	time.Sleep(110 * time.Millisecond) // outlast the Stats() cache window
	assert.Equal(t, before+1, b.Stats().MessagesDropped)
}

func TestScopedHandleTagsSource(t *testing.T) {
	b := newTestBus(t)

	var gotSource string
	done := make(chan struct{})
	_, err := b.Subscribe("scoped.event", func(msg *bus.Message) error {
		gotSource = msg.Source
		close(done)
		return nil
	})
	require.NoError(t, err)

	handle, err := bus.NewScopedHandle(b, "geometry")
	require.NoError(t, err)

	_, err = handle.Emit("scoped.event", nil)
	require.NoError(t, err)

	<-done
	assert.Equal(t, "geometry", gotSource)
}

func TestScopedHandleTagsSourceOnRequest(t *testing.T) {
	b := newTestBus(t)

	var gotSource string
	_, err := b.Subscribe("scoped.request", func(msg *bus.Message) error {
		gotSource = msg.Source
		return b.Reply(msg.RequestID, true, "ok", "")
	})
	require.NoError(t, err)

	handle, err := bus.NewScopedHandle(b, "geometry")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = handle.Request(ctx, "scoped.request", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "geometry", gotSource)
}

func TestScopedHandleRejectsEmptyName(t *testing.T) {
	b := newTestBus(t)
	_, err := bus.NewScopedHandle(b, "")
	assert.Error(t, err)
	_, err = bus.NewScopedHandle(nil, "x")
	assert.Error(t, err)
}
