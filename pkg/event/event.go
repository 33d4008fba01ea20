// Package event manages the push-event side of a Baichuan connection:
// decoding unsolicited frames into (channel, kind) events, the callback
// registry, the subscription state, and the keep-alive that holds the
// push channel open.
package event

import (
	"github.com/baichuan-protocol/baichuan-go/pkg/wire"
)

// Kind classifies a push event.
type Kind string

// Event kinds reported by cameras and NVRs.
const (
	KindMotion  Kind = "motion"
	KindPerson  Kind = "person"
	KindVehicle Kind = "vehicle"
	KindAnimal  Kind = "animal"
	KindVisitor Kind = "visitor"
	KindBattery Kind = "battery"
)

// Event is one decoded push notification.
type Event struct {
	// Channel is the camera channel the event occurred on.
	Channel int

	// Kind classifies the event. Kinds unknown to this library pass
	// through verbatim.
	Kind Kind
}

// alarmElement is the command element push bodies carry.
const alarmElement = "Alarm"

// DecodePush decodes an unsolicited frame into an event.
func DecodePush(f *wire.Frame) (Event, error) {
	doc, err := wire.ParseBody(f.Body)
	if err != nil {
		return Event{}, err
	}
	el, err := wire.BodyElement(doc, alarmElement)
	if err != nil {
		return Event{}, err
	}
	ch, err := wire.ChildInt(el, "channelId")
	if err != nil {
		// NVRs omit the channel element for host-level alarms.
		if f.Channel != wire.NoChannel {
			ch = int(f.Channel)
		} else {
			return Event{}, err
		}
	}
	return Event{Channel: ch, Kind: Kind(wire.ChildText(el, "type"))}, nil
}

// EncodePush builds a push body. The device side of the protocol; used by
// the in-memory camera in tests.
func EncodePush(channel int, kind Kind) ([]byte, error) {
	doc, el := wire.NewBody(alarmElement)
	wire.SetChildInt(el, "channelId", channel)
	wire.SetChildText(el, "type", string(kind))
	return wire.MarshalBody(doc)
}
