package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/illmade-knight/go-mqttbridge/pkg/bridge"
	"github.com/illmade-knight/go-mqttbridge/pkg/cache"
	"github.com/illmade-knight/go-mqttbridge/pkg/mqttclient"
	"github.com/illmade-knight/go-mqttbridge/pkg/relay"
	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPrimaryClientID   = "Primary"
	DefaultSecondaryClientID = "Secondary"
)

// ReconnectOptions configures the backoff after a lost connection.
type ReconnectOptions struct {
	Initial     Duration `json:"initial" yaml:"initial"`
	Multiplier  float64  `json:"multiplier" yaml:"multiplier"`
	Max         Duration `json:"max" yaml:"max"`
	MaxAttempts int      `json:"maxAttempts" yaml:"maxAttempts"`
	Jitter      bool     `json:"jitter" yaml:"jitter"`
}

// RedisOptions selects the shared Redis echo store. An empty Addr keeps the
// echo store in memory.
type RedisOptions struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// Options is everything an operator can set, from flags or a config file.
type Options struct {
	// Config is the path of a JSON or YAML file. When set, the file replaces
	// every other option given on the command line.
	Config string `json:"-" yaml:"-"`

	Primary           string `json:"primary" yaml:"primary"`
	Secondary         string `json:"secondary" yaml:"secondary"`
	PrimaryUsername   string `json:"primaryUsername" yaml:"primaryUsername"`
	PrimaryPassword   string `json:"primaryPassword" yaml:"primaryPassword"`
	SecondaryUsername string `json:"secondaryUsername" yaml:"secondaryUsername"`
	SecondaryPassword string `json:"secondaryPassword" yaml:"secondaryPassword"`
	PrimaryClientID   string `json:"primaryClientId" yaml:"primaryClientId"`
	SecondaryClientID string `json:"secondaryClientId" yaml:"secondaryClientId"`
	// UniqueClientIDs suffixes both client ids with a random string.
	UniqueClientIDs bool `json:"uniqueClientIds" yaml:"uniqueClientIds"`

	PrimaryTopicFilters   []TopicFilter `json:"primaryTopicFilters" yaml:"primaryTopicFilters"`
	SecondaryTopicFilters []TopicFilter `json:"secondaryTopicFilters" yaml:"secondaryTopicFilters"`

	Sync    bool `json:"sync" yaml:"sync"`
	Verbose bool `json:"verbose" yaml:"verbose"`

	EchoTTL        Duration         `json:"echoTtl" yaml:"echoTtl"`
	RelayWorkers   int              `json:"relayWorkers" yaml:"relayWorkers"`
	RelayQueueSize int              `json:"relayQueueSize" yaml:"relayQueueSize"`
	Reconnect      ReconnectOptions `json:"reconnect" yaml:"reconnect"`
	Redis          RedisOptions     `json:"redis" yaml:"redis"`
}

// Defaults returns the options used when nothing is given.
func Defaults() Options {
	def := bridge.DefaultBackoffPolicy()
	return Options{
		PrimaryClientID:   DefaultPrimaryClientID,
		SecondaryClientID: DefaultSecondaryClientID,
		EchoTTL:           Duration(30 * time.Second),
		Reconnect: ReconnectOptions{
			Initial:    Duration(def.Initial),
			Multiplier: def.Multiplier,
		},
	}
}

// flagValues holds the flag-only inputs that do not map one-to-one onto Options.
type flagValues struct {
	primaryTopics   []string
	secondaryTopics []string
	primaryQoS      int
	secondaryQoS    int
}

// Loader binds Options to a flag set.
type Loader struct {
	fs    *pflag.FlagSet
	opts  *Options
	flags flagValues
}

// RegisterFlags adds the bridge flags to fs, writing into opts. opts should
// start from Defaults().
func RegisterFlags(fs *pflag.FlagSet, opts *Options) *Loader {
	l := &Loader{fs: fs, opts: opts}

	fs.StringVar(&opts.Config, "config", opts.Config, "JSON or YAML config file; replaces all other bridge flags")
	fs.StringVar(&opts.Primary, "primary", opts.Primary, "Primary MQTT broker address:port or URL")
	fs.StringVar(&opts.Secondary, "secondary", opts.Secondary, "Secondary MQTT broker address:port or URL")
	fs.StringVar(&opts.PrimaryUsername, "primaryUser", opts.PrimaryUsername, "Primary broker username")
	fs.StringVar(&opts.PrimaryPassword, "primaryPass", opts.PrimaryPassword, "Primary broker password")
	fs.StringVar(&opts.SecondaryUsername, "secondaryUser", opts.SecondaryUsername, "Secondary broker username")
	fs.StringVar(&opts.SecondaryPassword, "secondaryPass", opts.SecondaryPassword, "Secondary broker password")
	fs.StringVar(&opts.PrimaryClientID, "primaryClientId", opts.PrimaryClientID, "Client id presented to the primary broker")
	fs.StringVar(&opts.SecondaryClientID, "secondaryClientId", opts.SecondaryClientID, "Client id presented to the secondary broker")
	fs.BoolVar(&opts.UniqueClientIDs, "uniqueClientIds", opts.UniqueClientIDs, "Append a random suffix to both client ids")
	fs.StringArrayVar(&l.flags.primaryTopics, "primaryTopic", nil, "Topic filter to subscribe on the primary broker (repeatable, default #)")
	fs.StringArrayVar(&l.flags.secondaryTopics, "secondaryTopic", nil, "Topic filter to subscribe on the secondary broker in sync mode (repeatable, default #)")
	fs.IntVar(&l.flags.primaryQoS, "primaryQos", 0, "QoS requested for every --primaryTopic")
	fs.IntVar(&l.flags.secondaryQoS, "secondaryQos", 0, "QoS requested for every --secondaryTopic")
	fs.BoolVar(&opts.Sync, "sync", opts.Sync, "Synchronize between brokers")
	fs.BoolVarP(&opts.Verbose, "verbose", "v", opts.Verbose, "Log every relayed message")
	fs.Var(&opts.EchoTTL, "echoTtl", "How long a relayed message is remembered for loop prevention")
	fs.IntVar(&opts.RelayWorkers, "relayWorkers", opts.RelayWorkers, "Publish workers per relay direction (0 for the default)")
	fs.IntVar(&opts.RelayQueueSize, "relayQueueSize", opts.RelayQueueSize, "Queue size of each relay worker (0 for the default)")
	fs.Var(&opts.Reconnect.Initial, "reconnectInitial", "Delay before the first reconnect attempt")
	fs.Float64Var(&opts.Reconnect.Multiplier, "reconnectMultiplier", opts.Reconnect.Multiplier, "Growth factor between reconnect delays")
	fs.Var(&opts.Reconnect.Max, "reconnectMax", "Cap on a single reconnect delay (0 for none)")
	fs.IntVar(&opts.Reconnect.MaxAttempts, "reconnectMaxAttempts", opts.Reconnect.MaxAttempts, "Give up after this many failed reconnects (0 retries forever)")
	fs.BoolVar(&opts.Reconnect.Jitter, "reconnectJitter", opts.Reconnect.Jitter, "Spread reconnect delays randomly")
	fs.StringVar(&opts.Redis.Addr, "redisAddr", opts.Redis.Addr, "Redis address for a shared echo store (empty keeps it in memory)")
	fs.StringVar(&opts.Redis.Password, "redisPassword", opts.Redis.Password, "Redis password")
	fs.IntVar(&opts.Redis.DB, "redisDb", opts.Redis.DB, "Redis database")
	return l
}

// Load parses args and, when --config is given, replaces the options with
// the file's contents.
func (l *Loader) Load(args []string) error {
	if err := l.fs.Parse(args); err != nil {
		return err
	}
	if l.fs.Changed("primaryTopic") {
		l.opts.PrimaryTopicFilters = filtersFrom(l.flags.primaryTopics, l.flags.primaryQoS)
	}
	if l.fs.Changed("secondaryTopic") {
		l.opts.SecondaryTopicFilters = filtersFrom(l.flags.secondaryTopics, l.flags.secondaryQoS)
	}
	if l.opts.Config == "" {
		return nil
	}

	fromFile, err := ReadFile(l.opts.Config)
	if err != nil {
		return err
	}
	fromFile.Config = l.opts.Config
	*l.opts = *fromFile
	return nil
}

// ReadFile loads Options from a YAML (.yaml, .yml) or JSON file. JSON may
// contain comments and trailing commas. Unset fields take their defaults.
func ReadFile(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	opts := Defaults()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &opts); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), &opts); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", path, err)
		}
	}
	return &opts, nil
}

// BridgeConfig is the validated result of Options: one client config per
// side plus the broker-independent bridge settings.
type BridgeConfig struct {
	Primary   *mqttclient.ClientConfig
	Secondary *mqttclient.ClientConfig
	Bridge    bridge.Config
	// Redis is nil when the echo store lives in memory.
	Redis *cache.RedisConfig
}

// BridgeConfig validates the options and converts them. Connection settings
// the options do not cover come from mqttclient.LoadClientConfigFromEnv.
func (o Options) BridgeConfig() (*BridgeConfig, error) {
	primaryURL, err := ParseEndpoint("primary", o.Primary)
	if err != nil {
		return nil, err
	}
	secondaryURL, err := ParseEndpoint("secondary", o.Secondary)
	if err != nil {
		return nil, err
	}
	if o.RelayWorkers < 0 {
		return nil, &bridge.ConfigurationError{Field: "relayWorkers", Reason: "cannot be negative"}
	}
	if o.RelayQueueSize < 0 {
		return nil, &bridge.ConfigurationError{Field: "relayQueueSize", Reason: "cannot be negative"}
	}
	if o.EchoTTL < 0 {
		return nil, &bridge.ConfigurationError{Field: "echoTtl", Reason: "cannot be negative"}
	}

	out := &BridgeConfig{
		Primary:   clientConfig(primaryURL, o.PrimaryClientID, DefaultPrimaryClientID, o.PrimaryUsername, o.PrimaryPassword, o.UniqueClientIDs),
		Secondary: clientConfig(secondaryURL, o.SecondaryClientID, DefaultSecondaryClientID, o.SecondaryUsername, o.SecondaryPassword, o.UniqueClientIDs),
	}

	cfg := bridge.DefaultConfig()
	cfg.SyncMode = o.Sync
	cfg.PrimaryFilters = toTypes(o.PrimaryTopicFilters)
	cfg.SecondaryFilters = toTypes(o.SecondaryTopicFilters)
	if o.EchoTTL > 0 {
		cfg.EchoTTL = time.Duration(o.EchoTTL)
	}
	cfg.Relay = relay.DispatcherConfig{NumWorkers: o.RelayWorkers, QueueSize: o.RelayQueueSize}
	cfg.PublishTimeout = out.Secondary.PublishTimeout
	cfg.Reconnect = bridge.BackoffPolicy{
		Initial:     time.Duration(o.Reconnect.Initial),
		Multiplier:  o.Reconnect.Multiplier,
		Max:         time.Duration(o.Reconnect.Max),
		MaxAttempts: o.Reconnect.MaxAttempts,
		Jitter:      o.Reconnect.Jitter,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	out.Bridge = cfg

	if o.Redis.Addr != "" {
		out.Redis = &cache.RedisConfig{
			Addr:     o.Redis.Addr,
			Password: o.Redis.Password,
			DB:       o.Redis.DB,
			TTL:      cfg.EchoTTL,
		}
	}
	return out, nil
}

func clientConfig(brokerURL, clientID, defaultID, username, password string, unique bool) *mqttclient.ClientConfig {
	cfg := mqttclient.LoadClientConfigFromEnv()
	cfg.BrokerURL = brokerURL
	cfg.ClientID = clientID
	if cfg.ClientID == "" {
		cfg.ClientID = defaultID
	}
	cfg.UniqueClientID = unique
	cfg.Username = username
	cfg.Password = password
	return cfg
}
