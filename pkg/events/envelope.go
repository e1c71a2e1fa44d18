// Package events projects bus-originated system.*/lifecycle.*/module.*
// messages into CloudEvents envelopes for collaborators that want a
// standard form, such as an external audit sink. The bus's own dispatch
// never uses this representation; it is a read-only view of the hot
// path, never its wire format.
package events

import (
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/tyrexcad/cadcore/pkg/bus"
)

const sourcePrefix = "cadcore/bus"

// ToCloudEvent projects msg into a CloudEvents envelope. The event's
// type is the bus event name, its id the bus message id, and its source
// identifies the ScopedHandle that emitted it, if any.
func ToCloudEvent(msg *bus.Message) (cloudevents.Event, error) {
	ce := cloudevents.NewEvent()
	ce.SetID(msg.ID)
	ce.SetSource(source(msg))
	ce.SetType(msg.Event)
	ce.SetTime(time.UnixMilli(msg.Timestamp))

	if err := ce.SetData(cloudevents.ApplicationJSON, msg.Data); err != nil {
		return cloudevents.Event{}, err
	}
	return ce, nil
}

func source(msg *bus.Message) string {
	if msg.Source == "" {
		return sourcePrefix
	}
	return sourcePrefix + "/" + msg.Source
}
