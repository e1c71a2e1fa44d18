// Package occtbridge implements only the bus-side half of the request/
// reply contract for the CAD geometry kernel, which runs as an external
// native compute worker pool reachable over NATS. No geometry math,
// tessellation, or kernel bindings live here.
package occtbridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tyrexcad/cadcore/pkg/bus"
	"github.com/tyrexcad/cadcore/pkg/logging"
)

// Bridge subscribes to occt.* on the bus and forwards matching requests to
// a NATS subject equal to the event name, replying to the original
// request once the worker pool answers (or times out).
type Bridge struct {
	b       *bus.Bus
	nc      *nats.Conn
	logger  logging.Logger
	timeout time.Duration

	unsub bus.UnsubscribeFunc
}

// New builds a Bridge over an already-connected NATS connection. timeout
// bounds each forwarded request; callers typically pass the bus's
// MaxTimeout.
func New(b *bus.Bus, nc *nats.Conn, timeout time.Duration, logger logging.Logger) *Bridge {
	if logger == nil {
		logger = logging.Noop()
	}
	br := &Bridge{b: b, nc: nc, timeout: timeout, logger: logger}

	unsub, _ := b.Subscribe("occt.*", br.forward, bus.WithPriority(bus.PriorityHigh))
	br.unsub = unsub

	return br
}

// forward is the bus handler registered against "occt.*".
func (br *Bridge) forward(msg *bus.Message) error {
	if msg.RequestID == "" {
		return nil // fire-and-forget occt.* traffic has no reply contract
	}

	payload, err := json.Marshal(msg.Data)
	if err != nil {
		return br.b.Reply(msg.RequestID, false, nil, fmt.Sprintf("occtbridge: marshal failed: %v", err))
	}

	reply, err := br.nc.Request(msg.Event, payload, br.timeout)
	if err != nil {
		br.logger.Warn("occtbridge: worker request failed", "event", msg.Event, "error", err)
		return br.b.Reply(msg.RequestID, false, nil, fmt.Sprintf("occtbridge: worker unavailable: %v", err))
	}

	var result any
	if err := json.Unmarshal(reply.Data, &result); err != nil {
		return br.b.Reply(msg.RequestID, false, nil, fmt.Sprintf("occtbridge: malformed worker reply: %v", err))
	}

	return br.b.Reply(msg.RequestID, true, result, "")
}

// Close unsubscribes the bridge from the bus. The NATS connection is
// owned by the caller and is not closed here.
func (br *Bridge) Close() {
	if br.unsub != nil {
		br.unsub()
	}
}
