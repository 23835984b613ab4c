package mqttclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ClientConfig holds all necessary configuration for one broker connection.
type ClientConfig struct {
	// BrokerURL is the full URL of the MQTT broker to connect to.
	// Example: "tls://mqtt.example.com:8883"
	BrokerURL string
	// ClientID is the identifier presented to the broker.
	ClientID string
	// UniqueClientID appends a random suffix to ClientID, for brokers shared by
	// several bridge processes.
	UniqueClientID bool
	// Username for authenticating with the MQTT broker. Credentials are only
	// sent when both Username and Password are set.
	Username string
	// Password for authenticating with the MQTT broker.
	Password string
	// CleanSession asks the broker to discard any previous session state.
	CleanSession bool
	// KeepAlive is the interval at which the client sends keep-alive pings to the broker.
	KeepAlive time.Duration
	// ConnectTimeout bounds a single connection handshake.
	ConnectTimeout time.Duration
	// PublishTimeout bounds how long Publish waits for the broker to confirm.
	PublishTimeout time.Duration
	// SubscribeTimeout bounds how long Subscribe waits for the SUBACK.
	SubscribeTimeout time.Duration
	// CACertFile is an optional path to a CA certificate file for verifying the broker's certificate.
	CACertFile string
	// ClientCertFile is an optional path to a client certificate file for mTLS authentication.
	ClientCertFile string
	// ClientKeyFile is an optional path to a client key file for mTLS authentication.
	ClientKeyFile string
	// InsecureSkipVerify skips TLS certificate verification.
	// This is NOT recommended for production environments.
	InsecureSkipVerify bool
}

// Env constants for setting Mqtt settings
const (
	MqttSkipVerify            = "MQTT_INSECURE_SKIP_VERIFY"
	MqttKeepAliveSeconds      = "MQTT_KEEP_ALIVE_SECONDS"
	MqttConnectTimeoutSeconds = "MQTT_CONNECT_TIMEOUT_SECONDS"
)

// LoadClientConfigFromEnv returns a ClientConfig populated with defaults, then
// overridden by any MQTT_* environment variables that are set.
// BrokerURL, ClientID and credentials are not read from the environment.
func LoadClientConfigFromEnv() *ClientConfig {
	cfg := &ClientConfig{
		CleanSession:     true,
		KeepAlive:        60 * time.Second,
		ConnectTimeout:   10 * time.Second,
		PublishTimeout:   30 * time.Second,
		SubscribeTimeout: 10 * time.Second,
	}
	if skipVerify := os.Getenv(MqttSkipVerify); skipVerify == "true" {
		cfg.InsecureSkipVerify = true
	}

	if ka := os.Getenv(MqttKeepAliveSeconds); ka != "" {
		s, err := time.ParseDuration(ka + "s")
		if err == nil {
			cfg.KeepAlive = s
		} else {
			log.Printf("mqttclient: error parsing keepAlive seconds: %s, using default", err)
		}
	}
	if ct := os.Getenv(MqttConnectTimeoutSeconds); ct != "" {
		s, err := time.ParseDuration(ct + "s")
		if err == nil {
			cfg.ConnectTimeout = s
		} else {
			log.Printf("mqttclient: error parsing connect timeout seconds: %s, using default", err)
		}
	}

	return cfg
}

// usesTLS reports whether the broker URL scheme requires a TLS transport.
func (c *ClientConfig) usesTLS() bool {
	lower := strings.ToLower(c.BrokerURL)
	for _, scheme := range []string{"tls://", "ssl://", "mqtts://", "wss://"} {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}

// newTLSConfig is a helper to create a tls.Config.
func newTLSConfig(cfg *ClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert file %s: %w", cfg.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert from %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
	}
	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
