package relay

import (
	"encoding/hex"
	"fmt"

	"github.com/illmade-knight/go-mqttbridge/pkg/types"
	"github.com/zeebo/blake3"
)

// Translate builds the outbound publish for an inbound message. Topic and
// payload are reproduced byte for byte, the retained flag is carried over and
// QoS is mapped level for level. An unknown QoS is rejected, never defaulted.
func Translate(in types.Message) (types.Message, error) {
	var qos types.QoS
	switch in.QoS {
	case types.AtMostOnce:
		qos = types.AtMostOnce
	case types.AtLeastOnce:
		qos = types.AtLeastOnce
	case types.ExactlyOnce:
		qos = types.ExactlyOnce
	default:
		return types.Message{}, fmt.Errorf("translate message on %q: %w", in.Topic, in.QoS.Validate())
	}

	out := types.Message{
		Topic:    in.Topic,
		QoS:      qos,
		Retained: in.Retained,
	}
	if in.Payload != nil {
		out.Payload = make([]byte, len(in.Payload))
		copy(out.Payload, in.Payload)
	}
	return out, nil
}

// Fingerprint identifies a message as it appears on one broker. QoS and the
// retained flag are left out because brokers may change both on delivery.
func Fingerprint(side types.Side, msg types.Message) string {
	sum := blake3.Sum256(msg.Payload)
	return fmt.Sprintf("%s|%s|%s", side, msg.Topic, hex.EncodeToString(sum[:16]))
}
