// Package config loads the settings of the sosmesh binary. Values come
// from the built-in defaults, then an optional YAML file, then an optional
// .env file and SOSMESH_* environment variables, and finally CLI flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverPebble = "pebble"
)

// Transport kinds.
const (
	TransportMemory = "memory"
	TransportLAN    = "lan"
	TransportMQTT   = "mqtt"
	TransportSerial = "serial"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SOSMESH_"

type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Store     StoreConfig     `yaml:"store"`
	Transport TransportConfig `yaml:"transport"`
	Gossip    GossipConfig    `yaml:"gossip"`
	API       APIConfig       `yaml:"api"`
	Uplink    UplinkConfig    `yaml:"uplink"`
	Log       LogConfig       `yaml:"log"`
}

type NodeConfig struct {
	DataDir      string `yaml:"data_dir"`
	IdentityFile string `yaml:"identity_file"`
	ServiceID    string `yaml:"service_id"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // memory|sqlite|pebble
	Path   string `yaml:"path"`
}

type TransportConfig struct {
	Kind   string       `yaml:"kind"` // memory|lan|mqtt|serial
	LAN    LANConfig    `yaml:"lan"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
	Serial SerialConfig `yaml:"serial"`
}

type LANConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	BeaconAddr     string        `yaml:"beacon_addr"`
	BeaconTargets  []string      `yaml:"beacon_targets"`
	BeaconInterval time.Duration `yaml:"beacon_interval"`
	PeerTimeout    time.Duration `yaml:"peer_timeout"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TLS         bool   `yaml:"tls"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

type GossipConfig struct {
	BroadcastDelay time.Duration `yaml:"broadcast_delay"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
}

type APIConfig struct {
	// Listen is the HTTP listen address. Empty disables the API.
	Listen string  `yaml:"listen"`
	RPS    float64 `yaml:"rps"`
	Burst  int     `yaml:"burst"`
}

type UplinkConfig struct {
	// WebhookURL enables the uplink when set.
	WebhookURL    string        `yaml:"webhook_url"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
	Sink   string `yaml:"sink"`   // stderr|stdout|file:<path>
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			DataDir:      "sosmesh-data",
			IdentityFile: "identity.json",
			ServiceID:    "sosmesh",
		},
		Store: StoreConfig{
			Driver: DriverSQLite,
			Path:   "messages.db",
		},
		Transport: TransportConfig{
			Kind: TransportLAN,
			LAN: LANConfig{
				ListenAddr: ":0",
				BeaconAddr: ":47800",
			},
			MQTT: MQTTConfig{TopicPrefix: "sosmesh"},
			Serial: SerialConfig{
				BaudRate: 115200,
			},
		},
		Gossip: GossipConfig{
			BroadcastDelay: 300 * time.Millisecond,
			RetryInterval:  2 * time.Second,
		},
		API: APIConfig{
			Listen: "127.0.0.1:8080",
			RPS:    1,
			Burst:  5,
		},
		Uplink: UplinkConfig{
			RetryInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Sink:   "stderr",
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path, if any.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, nil
}

// LoadEnvFile loads variables from a .env file into the process
// environment. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from SOSMESH_* variables found by lookup,
// normally os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
		return nil
	}

	str("DATA_DIR", &c.Node.DataDir)
	str("IDENTITY_FILE", &c.Node.IdentityFile)
	str("SERVICE_ID", &c.Node.ServiceID)
	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_PATH", &c.Store.Path)
	str("TRANSPORT", &c.Transport.Kind)
	str("LAN_LISTEN_ADDR", &c.Transport.LAN.ListenAddr)
	str("LAN_BEACON_ADDR", &c.Transport.LAN.BeaconAddr)
	str("MQTT_BROKER", &c.Transport.MQTT.Broker)
	str("MQTT_USERNAME", &c.Transport.MQTT.Username)
	str("MQTT_PASSWORD", &c.Transport.MQTT.Password)
	str("SERIAL_PORT", &c.Transport.Serial.Port)
	str("API_LISTEN", &c.API.Listen)
	str("UPLINK_WEBHOOK", &c.Uplink.WebhookURL)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("LOG_SINK", &c.Log.Sink)

	if v, ok := lookup(EnvPrefix + "LAN_BEACON_TARGETS"); ok {
		c.Transport.LAN.BeaconTargets = nil
		for _, target := range strings.Split(v, ",") {
			if target = strings.TrimSpace(target); target != "" {
				c.Transport.LAN.BeaconTargets = append(c.Transport.LAN.BeaconTargets, target)
			}
		}
	}
	if v, ok := lookup(EnvPrefix + "MQTT_TLS"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%sMQTT_TLS: %w", EnvPrefix, err)
		}
		c.Transport.MQTT.TLS = b
	}
	if v, ok := lookup(EnvPrefix + "SERIAL_BAUD"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%sSERIAL_BAUD: %w", EnvPrefix, err)
		}
		c.Transport.Serial.BaudRate = n
	}
	if err := dur("BROADCAST_DELAY", &c.Gossip.BroadcastDelay); err != nil {
		return err
	}
	if err := dur("RETRY_INTERVAL", &c.Gossip.RetryInterval); err != nil {
		return err
	}
	return dur("UPLINK_RETRY_INTERVAL", &c.Uplink.RetryInterval)
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if c.Node.ServiceID == "" {
		return errors.New("node.service_id must not be empty")
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPebble:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the %s driver", c.Store.Driver)
		}
	default:
		return fmt.Errorf("store.driver %q is not one of memory, sqlite, pebble", c.Store.Driver)
	}

	switch c.Transport.Kind {
	case TransportMemory:
	case TransportLAN:
		if c.Transport.LAN.BeaconAddr == "" {
			return errors.New("transport.lan.beacon_addr is required")
		}
	case TransportMQTT:
		if c.Transport.MQTT.Broker == "" {
			return errors.New("transport.mqtt.broker is required")
		}
	case TransportSerial:
		if c.Transport.Serial.Port == "" {
			return errors.New("transport.serial.port is required")
		}
		if c.Transport.Serial.BaudRate < 0 {
			return errors.New("transport.serial.baud_rate must not be negative")
		}
	default:
		return fmt.Errorf("transport.kind %q is not one of memory, lan, mqtt, serial", c.Transport.Kind)
	}

	if c.Gossip.BroadcastDelay < 0 {
		return errors.New("gossip.broadcast_delay must not be negative")
	}
	if c.Gossip.RetryInterval < 0 {
		return errors.New("gossip.retry_interval must not be negative")
	}
	if c.API.Listen != "" && (c.API.RPS <= 0 || c.API.Burst <= 0) {
		return errors.New("api.rps and api.burst must be positive")
	}
	if c.Uplink.WebhookURL != "" {
		u, err := url.Parse(c.Uplink.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("uplink.webhook_url %q is not an http(s) URL", c.Uplink.WebhookURL)
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q is not one of text, json", c.Log.Format)
	}
	return nil
}

// Resolve returns path joined to the data directory unless it is absolute.
func (c *Config) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || c.Node.DataDir == "" {
		return path
	}
	return filepath.Join(c.Node.DataDir, path)
}
