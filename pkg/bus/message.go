package bus

import (
	"time"

	"github.com/google/uuid"
)

// Priority is the delivery priority of a message or a subscription.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// priorityRank orders priorities for sorting and queue selection; higher
// rank is drained/invoked first.
func priorityRank(p Priority) int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Message is the envelope produced by Emit/Request and delivered to
// matching subscribers.
type Message struct {
	ID        string
	Event     string
	Data      any
	Timestamp int64 // wall-clock Unix milliseconds, see clock
	Priority  Priority
	RequestID string // set when this message was emitted on behalf of a Request
	Source    string // set when emitted through a ScopedHandle

	// Options carries any additional forwarded options from Emit, beyond
	// the fields promoted above.
	Options map[string]any
}

func newMessageID() string {
	return uuid.NewString()
}

// clock is overridable in tests; defaults to wall-clock Unix milliseconds
// (time.Now().UnixMilli()), which is not monotonic.
var clock = func() int64 {
	return time.Now().UnixMilli()
}
