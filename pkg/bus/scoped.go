package bus

import (
	"context"
	"time"
)

// ScopedHandle is a façade over a Bus that tags every Emit/Request
// originated through it with Source = moduleName, per spec.md §4.2.7. It
// exposes the same subscribe/unsubscribe/stats surface as the underlying
// bus unmodified.
type ScopedHandle struct {
	bus        *Bus
	moduleName string
}

// NewScopedHandle builds a ScopedHandle for moduleName over b. b must be
// non-nil and moduleName must be non-empty.
func NewScopedHandle(b *Bus, moduleName string) (*ScopedHandle, error) {
	if b == nil {
		return nil, ErrNilModuleName
	}
	if moduleName == "" {
		return nil, ErrNilModuleName
	}
	return &ScopedHandle{bus: b, moduleName: moduleName}, nil
}

// Name returns the module name this handle is scoped to.
func (h *ScopedHandle) Name() string { return h.moduleName }

// Emit publishes event with Source set to this handle's module name.
func (h *ScopedHandle) Emit(event string, data any, opts ...EmitOption) (string, error) {
	opts = append(opts, withSource(h.moduleName))
	return h.bus.Emit(event, data, opts...)
}

// Request issues a correlated request; the underlying emission carries
// this handle's module name as Source.
func (h *ScopedHandle) Request(ctx context.Context, event string, data any, timeout time.Duration) (any, error) {
	return h.bus.requestFrom(ctx, event, data, timeout, h.moduleName)
}

func (h *ScopedHandle) Subscribe(pattern string, handler Handler, opts ...SubscribeOption) (UnsubscribeFunc, error) {
	return h.bus.Subscribe(pattern, handler, opts...)
}

func (h *ScopedHandle) SubscribeOnce(pattern string, handler Handler, opts ...SubscribeOption) (UnsubscribeFunc, error) {
	return h.bus.SubscribeOnce(pattern, handler, opts...)
}

func (h *ScopedHandle) Unsubscribe(pattern string, handler Handler, opts ...SubscribeOption) error {
	return h.bus.Unsubscribe(pattern, handler, opts...)
}

func (h *ScopedHandle) Reply(requestID string, success bool, result any, errMsg string) error {
	return h.bus.Reply(requestID, success, result, errMsg)
}

func (h *ScopedHandle) Stats() Stats { return h.bus.Stats() }
