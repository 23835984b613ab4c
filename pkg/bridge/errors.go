package bridge

import (
	"errors"
	"fmt"
	"strings"

	"github.com/illmade-knight/go-mqttbridge/pkg/relay"
	"github.com/illmade-knight/go-mqttbridge/pkg/types"
)

var (
	// ErrBridgeClosed is returned by Connect once Disconnect has been called.
	ErrBridgeClosed = errors.New("bridge is disconnected")
	// ErrConnectInProgress is returned when Connect is called concurrently.
	ErrConnectInProgress = errors.New("connect already in progress")
)

// ConfigurationError reports missing or invalid configuration. It is raised
// before any connection attempt.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// InitialConnectError reports that a broker rejected or did not answer the
// first connection attempt. The bridge does not start relaying.
type InitialConnectError struct {
	Side       types.Side
	ReturnCode byte
	Err        error
}

func (e *InitialConnectError) Error() string {
	if e.ReturnCode != 0 {
		return fmt.Sprintf("could not connect to %s broker (return code %d): %v", e.Side, e.ReturnCode, e.Err)
	}
	return fmt.Sprintf("could not connect to %s broker: %v", e.Side, e.Err)
}

func (e *InitialConnectError) Unwrap() error { return e.Err }

// SubscriptionError reports a subscribe request the broker refused. It is a
// configuration problem and is not retried on its own.
type SubscriptionError struct {
	Side    types.Side
	Filters []types.TopicFilter
	Err     error
}

func (e *SubscriptionError) Error() string {
	topics := make([]string, len(e.Filters))
	for i, f := range e.Filters {
		topics[i] = f.Topic
	}
	return fmt.Sprintf("subscribe on %s broker to [%s]: %v", e.Side, strings.Join(topics, ", "), e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// RelayDispatchError is logged when a relayed publish fails.
type RelayDispatchError = relay.DispatchError
