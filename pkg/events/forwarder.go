package events

import (
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/tyrexcad/cadcore/pkg/bus"
	"github.com/tyrexcad/cadcore/pkg/logging"
)

// envelopePatterns are the bus-native events this package projects.
// Everything else (module traffic between collaborators) stays native.
var envelopePatterns = []string{"system.*", "lifecycle.*", "module.*"}

// Sink receives a projected CloudEvents envelope. A Send failure is
// logged and otherwise does not affect bus dispatch.
type Sink interface {
	Send(cloudevents.Event) error
}

// Forwarder subscribes to the bus's own envelope events and hands each
// one, projected, to a Sink. Send runs synchronously inside the handler: a
// failing Sink is only logged, but a slow Sink delays the rest of the
// message's delivery (and, in queued mode, the dispatcher) like any slow
// handler.
type Forwarder struct {
	sink   Sink
	logger logging.Logger
	unsubs []bus.UnsubscribeFunc
}

// NewForwarder subscribes f to system.*, lifecycle.* and module.* and
// begins forwarding every matching message to sink.
func NewForwarder(b *bus.Bus, sink Sink, logger logging.Logger) *Forwarder {
	if logger == nil {
		logger = logging.Noop()
	}
	f := &Forwarder{sink: sink, logger: logger}
	for _, pat := range envelopePatterns {
		unsub, err := b.Subscribe(pat, f.forward)
		if err != nil {
			logger.Warn("events: failed to subscribe forwarder", "pattern", pat, "error", err)
			continue
		}
		f.unsubs = append(f.unsubs, unsub)
	}
	return f
}

func (f *Forwarder) forward(msg *bus.Message) error {
	ce, err := ToCloudEvent(msg)
	if err != nil {
		f.logger.Warn("events: failed to project message", "event", msg.Event, "error", err)
		return nil
	}
	if err := f.sink.Send(ce); err != nil {
		f.logger.Warn("events: sink rejected envelope", "event", msg.Event, "error", err)
	}
	return nil
}

// Close unsubscribes the forwarder from every pattern it registered.
func (f *Forwarder) Close() {
	for _, unsub := range f.unsubs {
		if unsub != nil {
			unsub()
		}
	}
}
