package mqttclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-mqttbridge/pkg/types"
	"github.com/rs/zerolog"
)

// ErrTimeout is returned when the broker does not complete an operation in time.
var ErrTimeout = errors.New("mqtt operation timed out")

// ErrNotConnected is returned by Publish when the message never left the
// client because there was no open connection.
var ErrNotConnected = errors.New("mqtt client not connected")

// subscribeFailure is the SUBACK return code for a rejected filter.
const subscribeFailure = 0x80

// PahoFactory builds the underlying Paho client from assembled options.
type PahoFactory func(opts *mqtt.ClientOptions) mqtt.Client

// PahoOption customises a PahoClient.
type PahoOption func(*PahoClient)

// WithPahoFactory replaces mqtt.NewClient, typically with a mock in tests.
func WithPahoFactory(f PahoFactory) PahoOption {
	return func(c *PahoClient) {
		c.factory = f
	}
}

// PahoClient implements Client on top of the Eclipse Paho MQTT 3.1.1 client.
// Paho's own auto-reconnect is disabled; reconnection is owned by the caller.
type PahoClient struct {
	pahoClient mqtt.Client
	cfg        *ClientConfig
	clientID   string
	logger     zerolog.Logger
	factory    PahoFactory

	mu       sync.RWMutex
	handlers Handlers
}

// NewPahoClient creates a new PahoClient. It does not connect until Connect is called.
func NewPahoClient(cfg *ClientConfig, logger zerolog.Logger, opts ...PahoOption) (*PahoClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MQTT client config is required")
	}
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	clientID := cfg.ClientID
	if cfg.UniqueClientID {
		clientID = fmt.Sprintf("%s-%s", clientID, uuid.NewString()[:8])
	}

	c := &PahoClient{
		cfg:      cfg,
		clientID: clientID,
		logger:   logger.With().Str("component", "PahoClient").Str("client_id", clientID).Logger(),
		factory:  mqtt.NewClient,
	}
	for _, opt := range opts {
		opt(c)
	}

	pahoOpts, err := c.createMqttOptions()
	if err != nil {
		return nil, err
	}
	c.pahoClient = c.factory(pahoOpts)
	return c, nil
}

// SetHandlers replaces the event callbacks.
func (c *PahoClient) SetHandlers(h Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

func (c *PahoClient) currentHandlers() Handlers {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handlers
}

// ClientID returns the identifier presented to the broker.
func (c *PahoClient) ClientID() string {
	return c.clientID
}

// IsConnected returns the connection status of the underlying Paho client.
func (c *PahoClient) IsConnected() bool {
	return c.pahoClient != nil && c.pahoClient.IsConnected()
}

// Connect performs a single connection handshake with the broker.
func (c *PahoClient) Connect(ctx context.Context) (types.ConnectAck, error) {
	c.logger.Info().Str("broker", c.cfg.BrokerURL).Msg("Attempting to connect to MQTT broker...")
	token := c.pahoClient.Connect()
	err := waitToken(ctx, token, c.cfg.ConnectTimeout)

	var ack types.ConnectAck
	if ct, ok := token.(*mqtt.ConnectToken); ok {
		ack = types.ConnectAck{ReturnCode: ct.ReturnCode(), SessionPresent: ct.SessionPresent()}
	}
	if err != nil {
		return ack, fmt.Errorf("connect to %s: %w", c.cfg.BrokerURL, err)
	}
	if !ack.Accepted() {
		return ack, fmt.Errorf("connect to %s: broker returned code %d", c.cfg.BrokerURL, ack.ReturnCode)
	}
	return ack, nil
}

// Disconnect closes the connection. MQTT 3.1.1 carries no reason on the wire,
// so the reason is only logged.
func (c *PahoClient) Disconnect(reason string, timeout time.Duration) {
	if c.pahoClient == nil || !c.pahoClient.IsConnectionOpen() {
		return
	}
	c.logger.Info().Str("reason", reason).Msg("Disconnecting from MQTT broker.")
	c.pahoClient.Disconnect(uint(timeout.Milliseconds()))
}

// Subscribe requests delivery for all filters in a single SUBSCRIBE packet.
// Duplicate topics collapse to the highest requested QoS.
func (c *PahoClient) Subscribe(ctx context.Context, filters []types.TopicFilter) error {
	if len(filters) == 0 {
		return nil
	}
	request := make(map[string]byte, len(filters))
	for _, f := range filters {
		if err := f.QoS.Validate(); err != nil {
			return fmt.Errorf("filter %q: %w", f.Topic, err)
		}
		if existing, ok := request[f.Topic]; !ok || byte(f.QoS) > existing {
			request[f.Topic] = byte(f.QoS)
		}
	}

	token := c.pahoClient.SubscribeMultiple(request, nil)
	if err := waitToken(ctx, token, c.cfg.SubscribeTimeout); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if st, ok := token.(*mqtt.SubscribeToken); ok {
		for topic, granted := range st.Result() {
			if granted == subscribeFailure {
				return fmt.Errorf("subscribe: broker rejected filter %q", topic)
			}
		}
	}
	return nil
}

// Publish sends msg and waits for the broker's confirmation at msg.QoS.
func (c *PahoClient) Publish(ctx context.Context, msg types.Message) error {
	if err := msg.QoS.Validate(); err != nil {
		return err
	}
	token := c.pahoClient.Publish(msg.Topic, byte(msg.QoS), msg.Retained, msg.Payload)
	if err := waitToken(ctx, token, c.cfg.PublishTimeout); err != nil {
		if errors.Is(err, mqtt.ErrNotConnected) {
			err = ErrNotConnected
		}
		return fmt.Errorf("publish to %q: %w", msg.Topic, err)
	}
	return nil
}

// handleIncomingMessage converts Paho deliveries into types.Message.
func (c *PahoClient) handleIncomingMessage(_ mqtt.Client, msg mqtt.Message) {
	c.logger.Debug().Str("topic", msg.Topic()).Msg("Received MQTT message")
	// Paho may reuse the payload buffer once the handler returns.
	payloadCopy := make([]byte, len(msg.Payload()))
	copy(payloadCopy, msg.Payload())

	h := c.currentHandlers()
	if h.OnMessage == nil {
		return
	}
	h.OnMessage(types.Message{
		Topic:     msg.Topic(),
		Payload:   payloadCopy,
		QoS:       types.QoS(msg.Qos()),
		Retained:  msg.Retained(),
		Duplicate: msg.Duplicate(),
		MessageID: msg.MessageID(),
	}, c.clientID)
}

// createMqttOptions assembles the Paho client options from the config.
func (c *PahoClient) createMqttOptions() (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.BrokerURL)
	opts.SetClientID(c.clientID)
	if c.cfg.Username != "" && c.cfg.Password != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	opts.SetCleanSession(c.cfg.CleanSession)
	opts.SetKeepAlive(c.cfg.KeepAlive)
	opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(true)
	opts.SetDefaultPublishHandler(c.handleIncomingMessage)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.logger.Info().Str("broker", c.cfg.BrokerURL).Msg("Paho client connected to MQTT broker.")
		if h := c.currentHandlers(); h.OnConnected != nil {
			h.OnConnected()
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Error().Err(err).Msg("Paho client lost MQTT connection.")
		if h := c.currentHandlers(); h.OnDisconnected != nil {
			h.OnDisconnected(err)
		}
	})

	if c.cfg.usesTLS() {
		tlsConfig, err := newTLSConfig(c.cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
		c.logger.Info().Msg("TLS configured for MQTT client.")
	}
	return opts, nil
}

// waitToken blocks until the token completes, the timeout elapses or ctx is done.
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
