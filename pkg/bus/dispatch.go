package bus

import (
	"fmt"
	"runtime"
	"sort"
	"time"
)

// dispatcherLoop is the single long-lived goroutine that drains the
// priority queues in queued mode. Its singleton nature is what guarantees
// single-flight draining (the "is_processing" guard of spec.md §4.2.3).
func (b *Bus) dispatcherLoop() {
	defer b.dispatchWG.Done()
	for {
		select {
		case <-b.wakeCh:
			b.drain()
		case <-b.stopCh:
			return
		}
	}
}

// drain pops and delivers messages until every queue is empty (reference
// configuration) or, when AdaptiveProcessing is enabled, in
// pressure-scaled batches that yield to the scheduler between rounds.
func (b *Bus) drain() {
	if !b.cfg.AdaptiveProcessing {
		for {
			msg := b.queues.dequeue()
			if msg == nil {
				return
			}
			b.deliver(msg)
		}
	}

	for {
		select {
		case <-b.stopCh:
			return
		default:
		}

		pressure := b.queues.sizes()
		total := pressure.High + pressure.Normal + pressure.Low
		if total == 0 {
			return
		}

		level := b.currentPressureLevel()
		batch := adaptiveBatchSize(b.cfg.BatchSize, level)
		budget := b.cfg.MaxProcessingTime

		start := time.Now()
		processed := 0
		for processed < batch && time.Since(start) < budget {
			msg := b.queues.dequeue()
			if msg == nil {
				return
			}
			b.deliver(msg)
			processed++
		}

		if b.queues.empty() {
			return
		}

		// Yield to the scheduler before continuing on the "next turn";
		// lengthen the yield under heavier pressure.
		runtime.Gosched()
		if level > 0.5 {
			time.Sleep(time.Millisecond)
		}
	}
}

func (b *Bus) currentPressureLevel() float64 {
	b.queues.mu.Lock()
	defer b.queues.mu.Unlock()
	return b.queues.pressureLevel
}

// adaptiveBatchSize scales the target batch size down as pressure rises,
// per spec.md §4.2.3: max(10, batch_size * (1 - pressure_level)).
func adaptiveBatchSize(batchSize int, pressure float64) int {
	scaled := int(float64(batchSize) * (1 - pressure))
	if scaled < 10 {
		return 10
	}
	return scaled
}

// deliver matches msg against every registered pattern, sorts matching
// subscriptions by priority (ties by registration order), and invokes
// each handler outside of any bus lock.
func (b *Bus) deliver(msg *Message) {
	b.counters.incMessagesReceived()

	matches := b.matchingSubscriptions(msg.Event)
	if len(matches) == 0 {
		return
	}

	sort.SliceStable(matches, func(i, j int) bool {
		ri, rj := priorityRank(matches[i].sub.Priority), priorityRank(matches[j].sub.Priority)
		if ri != rj {
			return ri > rj
		}
		return matches[i].sub.seq < matches[j].sub.seq
	})

	var fired []matchedSub
	for _, m := range matches {
		b.invokeHandler(msg, m.sub)
		if m.sub.Once {
			fired = append(fired, m)
		}
	}

	for _, m := range fired {
		b.removeSubscription(m.pattern, m.sub)
	}
}

type matchedSub struct {
	pattern string
	sub     *Subscription
}

func (b *Bus) matchingSubscriptions(event string) []matchedSub {
	b.registryMu.RLock()
	defer b.registryMu.RUnlock()

	var matches []matchedSub
	for pat, entry := range b.registry {
		if !b.cache.Matches(event, pat) {
			continue
		}
		for _, s := range entry.subs {
			matches = append(matches, matchedSub{pattern: pat, sub: s})
		}
	}
	return matches
}

func (b *Bus) invokeHandler(msg *Message, sub *Subscription) {
	start := time.Now()
	err := b.safeInvoke(sub.handler, msg)
	elapsed := time.Since(start)
	sub.recordExec(elapsed)

	if b.cfg.EnableLogging && elapsed > SlowHandlerThreshold {
		b.logger.Warn("bus: slow handler", "event", msg.Event, "pattern", sub.Pattern, "duration", elapsed)
	}

	if err != nil {
		b.counters.incErrorsCaught()
		if msg.Event != EventSystemError {
			b.scheduleHandlerFaultReport(msg, sub, err)
		}
	}
}

// safeInvoke runs handler, converting a panic into an error so a single
// faulty subscriber never interrupts delivery to the rest.
func (b *Bus) safeInvoke(handler Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(msg)
}

// scheduleHandlerFaultReport emits a high-priority system.error on the
// next turn, to avoid re-entrantly calling back into deliver from inside
// deliver. A goroutine hop is cadcore's chosen "next turn" model (see
// SPEC_FULL.md §9 / DESIGN.md).
func (b *Bus) scheduleHandlerFaultReport(msg *Message, sub *Subscription, handlerErr error) {
	go func() {
		_, _ = b.Emit(EventSystemError, map[string]any{
			"type":          ErrorTypeHandler,
			"originalEvent": msg.Event,
			"error":         handlerErr.Error(),
			"pattern":       sub.Pattern,
			"callCount":     sub.CallCount(),
			"lastExecTime":  sub.LastExecTime().String(),
		}, WithEmitPriority(PriorityHigh))
	}()
}

// emitDataSizeError reports an oversized payload as a system.error event.
func (b *Bus) emitDataSizeError(event string, size int, cause error) {
	go func() {
		_, _ = b.Emit(EventSystemError, map[string]any{
			"type":  ErrorTypeDataSize,
			"event": event,
			"size":  size,
			"error": cause.Error(),
		}, WithEmitPriority(PriorityHigh))
	}()
}

// emitListenerCapError reports a subscription-cap violation as a
// system.error event.
func (b *Bus) emitListenerCapError(pat string, cause error) {
	go func() {
		_, _ = b.Emit(EventSystemError, map[string]any{
			"type":    ErrorTypeListenerCap,
			"pattern": pat,
			"error":   cause.Error(),
		}, WithEmitPriority(PriorityHigh))
	}()
}
