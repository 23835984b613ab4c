package bridge_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/illmade-knight/go-mqttbridge/pkg/mqttclient"
	"github.com/illmade-knight/go-mqttbridge/pkg/types"
)

// fakeBroker routes messages between fakeClients. It implements enough of
// MQTT 3.1.1 for bridge tests: wildcard matching, retained messages, QoS
// downgrade to the subscription level and clean sessions.
type fakeBroker struct {
	mu               sync.Mutex
	clients          []*fakeClient
	retained         map[string]types.Message
	refuseCode       byte
	refuseNext       int
	rejectSubscribes bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{retained: make(map[string]types.Message)}
}

// refuse makes the next n connection attempts fail with code.
func (b *fakeBroker) refuse(code byte, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refuseCode = code
	b.refuseNext = n
}

func (b *fakeBroker) newClient(id string) *fakeClient {
	c := &fakeClient{broker: b, id: id}
	b.mu.Lock()
	b.clients = append(b.clients, c)
	b.mu.Unlock()
	return c
}

func (b *fakeBroker) route(msg types.Message) {
	b.mu.Lock()
	if msg.Retained {
		b.retained[msg.Topic] = msg.Clone()
	}
	clients := append([]*fakeClient{}, b.clients...)
	b.mu.Unlock()

	for _, c := range clients {
		if qos, ok := c.matches(msg.Topic); ok {
			out := msg.Clone()
			if out.QoS > qos {
				out.QoS = qos
			}
			// Retained is only set for deliveries caused by a new subscription.
			out.Retained = false
			c.deliver(out)
		}
	}
}

// fakeClient is an in-memory mqttclient.Client attached to a fakeBroker.
type fakeClient struct {
	broker *fakeBroker
	id     string

	mu                sync.Mutex
	connected         bool
	handlers          mqttclient.Handlers
	subs              map[string]types.QoS
	connectAttempts   []time.Time
	subscribeRequests int
	disconnectReasons []string

	// connectGate, when set, holds Connect until closed; connectEntered is
	// closed once Connect is waiting on it.
	connectGate    chan struct{}
	connectEntered chan struct{}
	// afterConnect runs once a connection attempt has succeeded, before
	// Connect returns. attempt counts from 1.
	afterConnect func(attempt int)
}

var _ mqttclient.Client = (*fakeClient)(nil)

func (c *fakeClient) Connect(ctx context.Context) (types.ConnectAck, error) {
	if err := ctx.Err(); err != nil {
		return types.ConnectAck{}, err
	}
	c.mu.Lock()
	c.connectAttempts = append(c.connectAttempts, time.Now())
	attempt := len(c.connectAttempts)
	gate, entered, after := c.connectGate, c.connectEntered, c.afterConnect
	c.connectEntered = nil
	c.mu.Unlock()

	if gate != nil {
		if entered != nil {
			close(entered)
		}
		<-gate
	}

	c.broker.mu.Lock()
	if c.broker.refuseNext > 0 {
		c.broker.refuseNext--
		code := c.broker.refuseCode
		c.broker.mu.Unlock()
		return types.ConnectAck{ReturnCode: code}, fmt.Errorf("broker returned code %d", code)
	}
	c.broker.mu.Unlock()

	c.mu.Lock()
	c.connected = true
	c.subs = make(map[string]types.QoS)
	h := c.handlers
	c.mu.Unlock()
	if h.OnConnected != nil {
		go h.OnConnected()
	}
	if after != nil {
		after(attempt)
	}
	return types.ConnectAck{}, nil
}

func (c *fakeClient) Disconnect(reason string, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return
	}
	c.connected = false
	c.disconnectReasons = append(c.disconnectReasons, reason)
}

func (c *fakeClient) Subscribe(_ context.Context, filters []types.TopicFilter) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return mqttclient.ErrNotConnected
	}
	c.subscribeRequests++
	c.broker.mu.Lock()
	reject := c.broker.rejectSubscribes
	var retained []types.Message
	for _, m := range c.broker.retained {
		retained = append(retained, m.Clone())
	}
	c.broker.mu.Unlock()
	if reject {
		c.mu.Unlock()
		return fmt.Errorf("broker rejected filter %q", filters[0].Topic)
	}
	for _, f := range filters {
		c.subs[f.Topic] = f.QoS
	}
	c.mu.Unlock()

	for _, m := range retained {
		for _, f := range filters {
			if topicMatches(f.Topic, m.Topic) {
				if m.QoS > f.QoS {
					m.QoS = f.QoS
				}
				c.deliver(m)
				break
			}
		}
	}
	return nil
}

func (c *fakeClient) Publish(ctx context.Context, msg types.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.IsConnected() {
		return mqttclient.ErrNotConnected
	}
	c.broker.route(msg)
	return nil
}

func (c *fakeClient) SetHandlers(h mqttclient.Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) ClientID() string { return c.id }

// drop simulates an unexpected connection loss.
func (c *fakeClient) drop() {
	c.mu.Lock()
	c.connected = false
	c.subs = nil
	h := c.handlers
	c.mu.Unlock()
	if h.OnDisconnected != nil {
		go h.OnDisconnected(errors.New("connection reset by peer"))
	}
}

// loseConnection drops the connection and reports it before returning.
func (c *fakeClient) loseConnection() {
	c.mu.Lock()
	c.connected = false
	c.subs = nil
	h := c.handlers
	c.mu.Unlock()
	if h.OnDisconnected != nil {
		h.OnDisconnected(errors.New("connection reset by peer"))
	}
}

func (c *fakeClient) matches(topic string) (types.QoS, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return 0, false
	}
	best, found := types.QoS(0), false
	for filter, qos := range c.subs {
		if topicMatches(filter, topic) && (!found || qos > best) {
			best, found = qos, true
		}
	}
	return best, found
}

func (c *fakeClient) deliver(msg types.Message) {
	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()
	if h.OnMessage != nil {
		h.OnMessage(msg, c.id)
	}
}

func (c *fakeClient) Subscriptions() map[string]types.QoS {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]types.QoS, len(c.subs))
	for k, v := range c.subs {
		out[k] = v
	}
	return out
}

func (c *fakeClient) ConnectAttempts() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Time{}, c.connectAttempts...)
}

func (c *fakeClient) DisconnectReasons() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.disconnectReasons...)
}

// recorder is an observer client's message log.
type recorder struct {
	mu   sync.Mutex
	msgs []types.Message
}

func (r *recorder) handle(msg types.Message, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) Messages() []types.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Message{}, r.msgs...)
}

func (r *recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

// topicMatches implements MQTT filter matching for '+' and '#'.
func topicMatches(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, level := range f {
		if level == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}
