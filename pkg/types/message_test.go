package types_test

import (
	"errors"
	"testing"

	"github.com/illmade-knight/go-mqttbridge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQoS_Validate(t *testing.T) {
	for _, q := range []types.QoS{types.AtMostOnce, types.AtLeastOnce, types.ExactlyOnce} {
		assert.NoError(t, q.Validate(), q.String())
	}

	err := types.QoS(3).Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrInvalidQoS))
	assert.Equal(t, "qos(3)", types.QoS(3).String())
}

func TestMessage_Clone(t *testing.T) {
	original := types.Message{Topic: "a/b", Payload: []byte("hello"), QoS: types.AtLeastOnce, Retained: true}
	clone := original.Clone()

	clone.Payload[0] = 'j'

	assert.Equal(t, "hello", string(original.Payload), "clone must not share the payload buffer")
	assert.Equal(t, original.Topic, clone.Topic)
	assert.Equal(t, original.QoS, clone.QoS)
	assert.True(t, clone.Retained)
}

func TestSide_Opposite(t *testing.T) {
	assert.Equal(t, types.Secondary, types.Primary.Opposite())
	assert.Equal(t, types.Primary, types.Secondary.Opposite())
}

func TestConnectAck_Accepted(t *testing.T) {
	assert.True(t, types.ConnectAck{}.Accepted())
	assert.False(t, types.ConnectAck{ReturnCode: 5}.Accepted())
}
