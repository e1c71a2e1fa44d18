// Package bus implements the in-process message bus described in the
// message-bus specification: priority-scheduled pub/sub with pattern
// matching, backpressure and drop policies, request/response correlation
// with timeouts, and health/statistics instrumentation.
//
// A *Bus is safe for concurrent use. Subscription registry, priority
// queues, pending-request table and pattern cache are guarded by their own
// locks; handler invocation always happens outside of any bus-held lock,
// per the concurrency model's parallel-threaded admissibility clause.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tyrexcad/cadcore/pkg/logging"
	"github.com/tyrexcad/cadcore/pkg/pattern"
)

// Bus is the message bus core.
type Bus struct {
	cfg    Config
	logger logging.Logger

	startedAt time.Time

	registryMu sync.RWMutex
	registry   map[string]*patternEntry
	subsTotal  int64 // atomic, count of all subscriptions across all patterns
	seqCounter uint64

	cache *pattern.Cache

	queues *queueSet

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	counters counters

	statsMu     sync.Mutex
	statsCached Stats
	statsAt     time.Time

	wakeCh    chan struct{}
	stopCh    chan struct{}
	closeOnce sync.Once
	closed    int32 // atomic

	dispatchWG sync.WaitGroup
}

type pendingRequest struct {
	resultCh  chan requestResult
	timer     *time.Timer
	event     string
	startTime time.Time
	timeout   time.Duration
}

type requestResult struct {
	data any
	err  error
}

// New constructs a Bus from the given configuration. The bus owns a
// background dispatcher goroutine only when cfg.EnablePriorityQueue is
// set; Shutdown must be called to release it.
func New(cfg Config, logger logging.Logger) *Bus {
	if logger == nil {
		logger = logging.Noop()
	}
	b := &Bus{
		cfg:       cfg,
		logger:    logger,
		startedAt: time.Now(),
		registry:  make(map[string]*patternEntry),
		cache:     pattern.NewCache(cfg.PatternCacheCapacity),
		queues:    newQueueSet(cfg.MaxQueueSize),
		pending:   make(map[string]*pendingRequest),
		wakeCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	if cfg.EnablePriorityQueue {
		b.dispatchWG.Add(1)
		go b.dispatcherLoop()
	}
	return b
}

func (b *Bus) isClosed() bool { return atomic.LoadInt32(&b.closed) != 0 }

// --- Subscribe ---------------------------------------------------------

// SubscribeOption customizes a Subscribe/SubscribeOnce call.
type SubscribeOption func(*subOptions)

type subOptions struct {
	priority  Priority
	once      bool
	handlerID string
}

// WithPriority sets the subscription's delivery priority (default Normal).
func WithPriority(p Priority) SubscribeOption {
	return func(o *subOptions) { o.priority = p }
}

// WithHandlerID overrides the identity used by the duplicate-handler
// guard, per spec.md §9's design note (b).
func WithHandlerID(id string) SubscribeOption {
	return func(o *subOptions) { o.handlerID = id }
}

// UnsubscribeFunc removes the subscription it was returned for. It is
// idempotent: calling it more than once after the first call has no
// further effect.
type UnsubscribeFunc func()

// Subscribe registers handler against pattern. The returned function
// removes the subscription.
func (b *Bus) Subscribe(pat string, handler Handler, opts ...SubscribeOption) (UnsubscribeFunc, error) {
	o := subOptions{priority: PriorityNormal}
	for _, opt := range opts {
		opt(&o)
	}
	return b.subscribe(pat, handler, o)
}

// SubscribeOnce is shorthand for Subscribe with the once flag set: the
// subscription is removed immediately after its first matched delivery.
func (b *Bus) SubscribeOnce(pat string, handler Handler, opts ...SubscribeOption) (UnsubscribeFunc, error) {
	o := subOptions{priority: PriorityNormal}
	for _, opt := range opts {
		opt(&o)
	}
	o.once = true
	return b.subscribe(pat, handler, o)
}

func (b *Bus) subscribe(pat string, handler Handler, o subOptions) (UnsubscribeFunc, error) {
	if pat == "" {
		return nil, ErrEmptyPattern
	}
	if len(pat) > MaxPatternLength {
		return nil, ErrPatternTooLong
	}
	if handler == nil {
		return nil, ErrNilHandler
	}
	switch o.priority {
	case PriorityHigh, PriorityNormal, PriorityLow:
	default:
		return nil, ErrUnknownPriority
	}

	key := handlerIdentity(handler, o.handlerID)

	b.registryMu.Lock()

	entry, ok := b.registry[pat]
	if !ok {
		entry = newPatternEntry()
		b.registry[pat] = entry
	}

	if b.cfg.EnableDuplicateHandlerCheck {
		if _, dup := entry.byKey[key]; dup {
			b.registryMu.Unlock()
			b.logger.Warn("bus: duplicate handler registration ignored", "pattern", pat)
			return func() {}, nil
		}
	}

	if len(entry.subs) >= b.cfg.MaxListenersPerEvent {
		b.registryMu.Unlock()
		b.emitListenerCapError(pat, ErrTooManyListeners)
		return nil, ErrTooManyListeners
	}

	sub := &Subscription{
		ID:         newMessageID(),
		Pattern:    pat,
		Priority:   o.priority,
		Once:       o.once,
		CreatedAt:  time.Now(),
		handler:    handler,
		handlerKey: key,
		seq:        atomic.AddUint64(&b.seqCounter, 1),
	}
	entry.subs = append(entry.subs, sub)
	entry.byKey[key] = sub

	total := atomic.AddInt64(&b.subsTotal, 1)
	b.counters.bumpPeakListeners(total)

	b.registryMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.removeSubscription(pat, sub) })
	}, nil
}

func (b *Bus) removeSubscription(pat string, sub *Subscription) {
	b.registryMu.Lock()
	defer b.registryMu.Unlock()
	entry, ok := b.registry[pat]
	if !ok {
		return
	}
	before := len(entry.subs)
	entry.remove(sub.ID)
	if len(entry.subs) < before {
		atomic.AddInt64(&b.subsTotal, -1)
	}
	if len(entry.subs) == 0 {
		delete(b.registry, pat)
	}
}

// Unsubscribe removes the subscription matching handler on pattern, if
// any. It is a no-op if absent.
func (b *Bus) Unsubscribe(pat string, handler Handler, opts ...SubscribeOption) error {
	o := subOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	key := handlerIdentity(handler, o.handlerID)

	b.registryMu.Lock()
	entry, ok := b.registry[pat]
	if !ok {
		b.registryMu.Unlock()
		return nil
	}
	sub, ok := entry.byKey[key]
	if !ok {
		b.registryMu.Unlock()
		return nil
	}
	b.registryMu.Unlock()

	b.removeSubscription(pat, sub)
	return nil
}

// --- Emit ----------------------------------------------------------------

// EmitOption customizes an Emit call.
type EmitOption func(*emitOptions)

type emitOptions struct {
	priority  Priority
	requestID string
	source    string
	extra     map[string]any
}

// WithEmitPriority sets the priority of the emitted message (default Normal).
func WithEmitPriority(p Priority) EmitOption {
	return func(o *emitOptions) { o.priority = p }
}

// WithExtra attaches a forwarded option to the message envelope.
func WithExtra(key string, value any) EmitOption {
	return func(o *emitOptions) {
		if o.extra == nil {
			o.extra = make(map[string]any)
		}
		o.extra[key] = value
	}
}

func withRequestID(id string) EmitOption {
	return func(o *emitOptions) { o.requestID = id }
}

func withSource(name string) EmitOption {
	return func(o *emitOptions) { o.source = name }
}

// Emit publishes event (one-way) and returns the allocated message id. In
// queued mode (EnablePriorityQueue) the message is enqueued for the
// dispatcher goroutine; otherwise every matching handler runs
// synchronously before Emit returns.
func (b *Bus) Emit(event string, data any, opts ...EmitOption) (string, error) {
	if event == "" {
		return "", ErrEmptyEvent
	}
	if len(event) > MaxEventLength {
		return "", ErrEventTooLong
	}

	o := emitOptions{priority: PriorityNormal}
	for _, opt := range opts {
		opt(&o)
	}

	// system.error reports are exempt from the hard cap, so a report about
	// an oversized payload can never itself be dropped and reported again.
	size := estimateSize(data)
	if size > b.cfg.MaxDataSize && event != EventSystemError {
		b.counters.incMessagesDropped()
		if b.cfg.EnableLogging {
			b.logger.Warn("bus: message dropped", "event", event, "reason", "data size", "bytes", size)
		}
		b.emitDataSizeError(event, size, ErrDataTooLarge)
		return "", ErrDataTooLarge
	}
	if size > b.cfg.WarnDataSize {
		b.counters.incLargeWarnings()
		if b.cfg.EnableLogging {
			b.logger.Warn("bus: large message payload", "event", event, "bytes", size)
		}
	}

	msg := &Message{
		ID:        newMessageID(),
		Event:     event,
		Data:      data,
		Timestamp: clock(),
		Priority:  o.priority,
		RequestID: o.requestID,
		Source:    o.source,
		Options:   o.extra,
	}

	b.counters.incMessagesSent()
	if b.cfg.EnableLogging {
		b.logger.Debug("bus: emit", "event", event, "id", msg.ID, "priority", o.priority)
	}

	if b.cfg.EnablePriorityQueue {
		res := b.queues.enqueue(msg, b.cfg.DropPolicy, b.cfg.EnableBackpressure, b.cfg.BackpressureThreshold, &b.counters)
		if res.dropped {
			b.counters.incMessagesDropped()
			if b.cfg.EnableLogging {
				b.logger.Warn("bus: message dropped", "event", event, "priority", o.priority)
			}
			return msg.ID, nil
		}
		b.wake()
		return msg.ID, nil
	}

	b.deliver(msg)
	return msg.ID, nil
}

func (b *Bus) wake() {
	select {
	case b.wakeCh <- struct{}{}:
	default:
	}
}

// estimateSize deterministically estimates a payload's wire size using
// canonical JSON encoding length, per spec.md §9's design note on
// dynamic payloads.
func estimateSize(data any) int {
	if data == nil {
		return 0
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		// Non-encodable payloads (channels, funcs) are treated as
		// unbounded so they're always flagged rather than silently
		// passed through.
		return 1 << 31
	}
	return len(encoded)
}

// --- Request / Reply -----------------------------------------------------

// Request emits event and waits for a correlated Reply, or for timeout
// (clamped to cfg.MaxTimeout) to expire, or for ctx to be cancelled.
// timeout <= 0 uses cfg.DefaultTimeout.
func (b *Bus) Request(ctx context.Context, event string, data any, timeout time.Duration) (any, error) {
	return b.requestFrom(ctx, event, data, timeout, "")
}

// requestFrom is Request with an explicit Source, used by ScopedHandle so
// the request-carrying emission is annotated the same way Emit is, per
// spec.md §4.2.7.
func (b *Bus) requestFrom(ctx context.Context, event string, data any, timeout time.Duration, source string) (any, error) {
	if timeout <= 0 {
		timeout = b.cfg.DefaultTimeout
	}
	if timeout > b.cfg.MaxTimeout {
		timeout = b.cfg.MaxTimeout
	}

	b.pendingMu.Lock()
	if len(b.pending) >= b.cfg.MaxPendingRequests {
		b.pendingMu.Unlock()
		return nil, ErrTooManyPendingRequests
	}

	requestID := newMessageID()
	pr := &pendingRequest{
		resultCh:  make(chan requestResult, 1),
		event:     event,
		startTime: time.Now(),
		timeout:   timeout,
	}
	pr.timer = time.AfterFunc(timeout, func() { b.timeoutRequest(requestID) })
	b.pending[requestID] = pr
	b.counters.bumpPeakPending(int64(len(b.pending)))
	b.pendingMu.Unlock()

	b.counters.incRequestsSent()

	emitOpts := []EmitOption{withRequestID(requestID), WithEmitPriority(PriorityHigh)}
	if source != "" {
		emitOpts = append(emitOpts, withSource(source))
	}
	if _, err := b.Emit(event, data, emitOpts...); err != nil {
		b.pendingMu.Lock()
		if p, ok := b.pending[requestID]; ok {
			p.timer.Stop()
			delete(b.pending, requestID)
		}
		b.pendingMu.Unlock()
		return nil, err
	}

	select {
	case res := <-pr.resultCh:
		return res.data, res.err
	case <-ctx.Done():
		b.pendingMu.Lock()
		if p, ok := b.pending[requestID]; ok {
			p.timer.Stop()
			delete(b.pending, requestID)
		}
		b.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

func (b *Bus) timeoutRequest(requestID string) {
	b.pendingMu.Lock()
	pr, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.pendingMu.Unlock()
	if !ok {
		return
	}
	b.counters.incRequestsTimedOut()
	pr.resultCh <- requestResult{err: fmt.Errorf("%w: %s after %s", ErrRequestTimeout, pr.event, pr.timeout)}
}

// Reply resolves the pending request identified by requestID. Unknown or
// already-resolved request ids are logged and reported as
// ErrUnknownRequest, with no other effect.
func (b *Bus) Reply(requestID string, success bool, result any, errMsg string) error {
	b.pendingMu.Lock()
	pr, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.pendingMu.Unlock()

	if !ok {
		b.logger.Warn("bus: reply to unknown request id", "requestID", requestID)
		return ErrUnknownRequest
	}
	pr.timer.Stop()

	responseTime := time.Since(pr.startTime)

	if success {
		b.counters.incRequestsCompleted()
		pr.resultCh <- requestResult{data: result}
	} else {
		b.counters.incRequestsFailed()
		if errMsg == "" {
			errMsg = "Request failed"
		}
		pr.resultCh <- requestResult{err: fmt.Errorf("%w: %s", ErrRequestFailed, errMsg)}
	}

	if b.cfg.EnableMetrics {
		_, _ = b.Emit(EventSystemMetricsRequest, map[string]any{
			"event":        pr.event,
			"responseTime": responseTime.Milliseconds(),
			"success":      success,
		}, WithEmitPriority(PriorityLow))
	}
	return nil
}

// --- Stats / Shutdown ----------------------------------------------------

// Stats returns a snapshot of bus counters, derived rates and health,
// cached for 100ms.
func (b *Bus) Stats() Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	if time.Since(b.statsAt) < 100*time.Millisecond && !b.statsAt.IsZero() {
		return b.statsCached
	}

	b.pendingMu.Lock()
	pending := len(b.pending)
	b.pendingMu.Unlock()

	queues := b.queues.sizes()
	dropped := atomic.LoadInt64(&b.counters.messagesDropped)

	b.queues.mu.Lock()
	pressure := b.queues.pressureInfoLocked(dropped)
	b.queues.mu.Unlock()

	s := computeStats(&b.counters, time.Since(b.startedAt), pending, queues, pressure, b.cfg.MaxQueueSize, b.cfg.MaxPendingRequests)
	b.statsCached = s
	b.statsAt = time.Now()
	return s
}

// Shutdown atomically tears the bus down: every pending request is
// rejected with a terminal error, all queues and registries are cleared,
// and the dispatcher goroutine (if any) stops. The bus must not be used
// afterward.
func (b *Bus) Shutdown() {
	b.closeOnce.Do(func() {
		atomic.StoreInt32(&b.closed, 1)

		b.pendingMu.Lock()
		pending := b.pending
		b.pending = make(map[string]*pendingRequest)
		b.pendingMu.Unlock()

		for _, pr := range pending {
			pr.timer.Stop()
			pr.resultCh <- requestResult{err: ErrBusShutDown}
		}

		close(b.stopCh)
		b.dispatchWG.Wait()

		b.queues.clear()

		b.registryMu.Lock()
		b.registry = make(map[string]*patternEntry)
		atomic.StoreInt64(&b.subsTotal, 0)
		b.registryMu.Unlock()

		b.cache.Clear()
	})
}
