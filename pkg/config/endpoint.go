package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/illmade-knight/go-mqttbridge/pkg/bridge"
)

var defaultPorts = map[string]int{
	"tcp":   1883,
	"mqtt":  1883,
	"ws":    80,
	"ssl":   8883,
	"tls":   8883,
	"mqtts": 8883,
	"wss":   443,
}

// ParseEndpoint turns a broker address into a Paho broker URL. It accepts
// "host:port", which means plain TCP, or a URL with one of the schemes tcp,
// mqtt, ssl, tls, mqtts, ws or wss. A URL without a port gets the scheme's
// default port.
func ParseEndpoint(field, addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", &bridge.ConfigurationError{Field: field, Reason: "broker address is required"}
	}

	if !strings.Contains(addr, "://") {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return "", &bridge.ConfigurationError{Field: field, Reason: fmt.Sprintf("expected host:port, got %q", addr)}
		}
		if err := validateHostPort(field, host, port); err != nil {
			return "", err
		}
		return "tcp://" + net.JoinHostPort(host, port), nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return "", &bridge.ConfigurationError{Field: field, Reason: err.Error()}
	}
	scheme := strings.ToLower(u.Scheme)
	def, ok := defaultPorts[scheme]
	if !ok {
		return "", &bridge.ConfigurationError{Field: field, Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	port := u.Port()
	if port == "" {
		port = strconv.Itoa(def)
	}
	if err := validateHostPort(field, u.Hostname(), port); err != nil {
		return "", err
	}
	// Paho speaks tcp/ssl/ws/wss; map the mqtt-flavoured aliases.
	switch scheme {
	case "mqtt":
		scheme = "tcp"
	case "mqtts":
		scheme = "ssl"
	}
	out := scheme + "://" + net.JoinHostPort(u.Hostname(), port)
	if u.Path != "" && (scheme == "ws" || scheme == "wss") {
		out += u.Path
	}
	return out, nil
}

func validateHostPort(field, host, port string) error {
	if host == "" {
		return &bridge.ConfigurationError{Field: field, Reason: "host cannot be empty"}
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return &bridge.ConfigurationError{Field: field, Reason: fmt.Sprintf("port %q must be a number between 1 and 65535", port)}
	}
	return nil
}
