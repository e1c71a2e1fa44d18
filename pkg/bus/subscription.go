package bus

import (
	"reflect"
	"strconv"
	"sync/atomic"
	"time"
)

// Handler processes a delivered message. Returning a non-nil error (or
// panicking) is caught by the bus as a handler fault: it never reaches the
// original emitter, is counted, and is reported via a system.error event.
type Handler func(msg *Message) error

// Subscription is the record installed by Subscribe/SubscribeOnce,
// carrying the handler, its priority/once flags, and running counters.
type Subscription struct {
	ID        string
	Pattern   string
	Priority  Priority
	Once      bool
	CreatedAt time.Time

	handler    Handler
	handlerKey string
	seq        uint64 // global registration order, used as a sort tiebreaker

	callCount     int64
	totalExecTime int64 // nanoseconds, atomic
	lastExecTime  int64 // nanoseconds, atomic

	removed int32 // not set by any code; deliver removes a fired once-subscription from the registry instead
}

// CallCount returns how many times this subscription's handler has run.
func (s *Subscription) CallCount() int64 { return atomic.LoadInt64(&s.callCount) }

// TotalExecTime returns the cumulative handler execution time.
func (s *Subscription) TotalExecTime() time.Duration {
	return time.Duration(atomic.LoadInt64(&s.totalExecTime))
}

// LastExecTime returns the most recent handler execution time.
func (s *Subscription) LastExecTime() time.Duration {
	return time.Duration(atomic.LoadInt64(&s.lastExecTime))
}

func (s *Subscription) recordExec(d time.Duration) {
	atomic.AddInt64(&s.callCount, 1)
	atomic.AddInt64(&s.totalExecTime, int64(d))
	atomic.StoreInt64(&s.lastExecTime, int64(d))
}

// handlerIdentity derives a stable dedup key for a handler. An explicit id
// (per spec.md §9's "(b) key the guard by a caller-provided handler id")
// wins; otherwise the handler's function pointer is used, which correctly
// dedups repeated registrations of the same function or method value.
func handlerIdentity(h Handler, explicitID string) string {
	if explicitID != "" {
		return explicitID
	}
	return strconv.FormatUint(uint64(reflect.ValueOf(h).Pointer()), 16)
}

// patternEntry is the registry's per-pattern bucket: an ordered set of
// subscriptions plus an index for the duplicate-handler guard.
type patternEntry struct {
	subs   []*Subscription
	byKey  map[string]*Subscription
}

func newPatternEntry() *patternEntry {
	return &patternEntry{byKey: make(map[string]*Subscription)}
}

func (e *patternEntry) remove(id string) {
	for i, s := range e.subs {
		if s.ID == id {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			delete(e.byKey, s.handlerKey)
			return
		}
	}
}
