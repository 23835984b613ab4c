package types

import (
	"errors"
	"fmt"
)

// ErrInvalidQoS is returned when a quality-of-service value is outside the
// three levels defined by MQTT.
var ErrInvalidQoS = errors.New("invalid QoS level")

// QoS is the MQTT delivery guarantee of a message or subscription.
type QoS byte

const (
	AtMostOnce  QoS = 0
	AtLeastOnce QoS = 1
	ExactlyOnce QoS = 2
)

// Validate returns an error wrapping ErrInvalidQoS if q is not one of the
// three MQTT levels.
func (q QoS) Validate() error {
	switch q {
	case AtMostOnce, AtLeastOnce, ExactlyOnce:
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrInvalidQoS, byte(q))
	}
}

func (q QoS) String() string {
	switch q {
	case AtMostOnce:
		return "at-most-once"
	case AtLeastOnce:
		return "at-least-once"
	case ExactlyOnce:
		return "exactly-once"
	default:
		return fmt.Sprintf("qos(%d)", byte(q))
	}
}

// Message is the unit relayed between the two brokers. A received Message is
// never mutated; the relay builds a new one for the outbound side.
type Message struct {
	// Topic is the concrete topic the message was published on.
	Topic string
	// Payload is the opaque message body.
	Payload []byte
	// QoS is the level the message was delivered with.
	QoS QoS
	// Retained marks a message the broker stores for future subscribers.
	Retained bool
	// Duplicate is set by the broker on redelivery. Informational only.
	Duplicate bool
	// MessageID is the packet identifier assigned by the delivering broker.
	MessageID uint16
}

// Clone returns a copy of m that shares no memory with it.
func (m Message) Clone() Message {
	out := m
	if m.Payload != nil {
		out.Payload = make([]byte, len(m.Payload))
		copy(out.Payload, m.Payload)
	}
	return out
}

// TopicFilter is a subscription pattern plus the QoS requested for it.
type TopicFilter struct {
	Topic string `json:"topic" yaml:"topic"`
	QoS   QoS    `json:"qos" yaml:"qos"`
}

// WildcardTopic matches every topic on a broker.
const WildcardTopic = "#"

// WildcardFilter is the subscription applied when no filters are configured.
func WildcardFilter() TopicFilter {
	return TopicFilter{Topic: WildcardTopic, QoS: AtMostOnce}
}

// Side names one end of the bridge.
type Side string

const (
	Primary   Side = "primary"
	Secondary Side = "secondary"
)

// Opposite returns the other end of the bridge.
func (s Side) Opposite() Side {
	if s == Primary {
		return Secondary
	}
	return Primary
}

// ConnectAck is the broker's answer to a connect handshake.
type ConnectAck struct {
	ReturnCode     byte
	SessionPresent bool
}

// Accepted reports whether the broker acknowledged the connection with the
// success return code.
func (a ConnectAck) Accepted() bool {
	return a.ReturnCode == 0
}
