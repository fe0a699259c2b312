// Package config loads bridge configuration: defaults, then a TOML or YAML
// file, then environment overrides, then validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	bridgeerr "github.com/vinayprograms/lovebridge/errors"
)

// Relay names accepted by Producers.
const (
	RelayEvents     = "events"
	RelayTelemetry  = "telemetry"
	RelayHeartbeats = "heartbeats"
	RelayQueue      = "queue"
)

// AllRelays lists every relay in start order.
var AllRelays = []string{RelayEvents, RelayTelemetry, RelayHeartbeats, RelayQueue}

// Config holds all bridge configuration.
type Config struct {
	LogLevel string `envconfig:"LOVEBRIDGE_LOG_LEVEL" yaml:"log_level" toml:"log_level"`

	// Producers selects the relays to run. Empty runs all of them.
	// The environment form is colon separated: "EVENTS:SCRIPTQUEUE".
	Producers []string `envconfig:"-" yaml:"producers" toml:"producers"`

	// CSCs are the remote components to relay, as "Name" or "Name:index".
	CSCs []string `envconfig:"LOVE_CSC_PRODUCER" yaml:"cscs" toml:"cscs"`

	// Events and Telemetry map a component name to the stream names to
	// relay. Components without an entry get DefaultEvents and no
	// telemetry.
	Events    map[string][]string `envconfig:"-" yaml:"events" toml:"events"`
	Telemetry map[string][]string `envconfig:"-" yaml:"telemetry" toml:"telemetry"`

	Manager    ManagerConfig    `yaml:"manager" toml:"manager"`
	Bus        BusConfig        `yaml:"bus" toml:"bus"`
	State      StateConfig      `yaml:"state" toml:"state"`
	Heartbeats HeartbeatsConfig `yaml:"heartbeats" toml:"heartbeats"`
	Queue      QueueConfig      `yaml:"queue" toml:"queue"`
	Tracing    TracingConfig    `yaml:"tracing" toml:"tracing"`
}

// ManagerConfig holds the downstream connection settings.
type ManagerConfig struct {
	Host     string `envconfig:"WEBSOCKET_HOST" yaml:"host" toml:"host"`
	Password string `envconfig:"PROCESS_CONNECTION_PASS" yaml:"password" toml:"password"`

	BackoffMin        time.Duration `envconfig:"LOVEBRIDGE_BACKOFF_MIN" yaml:"backoff_min" toml:"backoff_min"`
	BackoffMax        time.Duration `envconfig:"LOVEBRIDGE_BACKOFF_MAX" yaml:"backoff_max" toml:"backoff_max"`
	HeartbeatInterval time.Duration `envconfig:"LOVEBRIDGE_HEARTBEAT_INTERVAL" yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	BufferSize        int           `envconfig:"LOVEBRIDGE_BUFFER_SIZE" yaml:"buffer_size" toml:"buffer_size"`
	MaxSendRate       float64       `envconfig:"LOVEBRIDGE_MAX_SEND_RATE" yaml:"max_send_rate" toml:"max_send_rate"`
}

// BusConfig holds control-bus settings.
type BusConfig struct {
	Type           string        `envconfig:"LOVEBRIDGE_BUS_TYPE" yaml:"type" toml:"type"` // nats or memory
	URL            string        `envconfig:"NATS_URL" yaml:"url" toml:"url"`
	Stream         string        `envconfig:"LOVEBRIDGE_BUS_STREAM" yaml:"stream" toml:"stream"`
	RequestTimeout time.Duration `envconfig:"LOVEBRIDGE_REQUEST_TIMEOUT" yaml:"request_timeout" toml:"request_timeout"`
}

// StateConfig selects the last-envelope store.
type StateConfig struct {
	Backend  string        `envconfig:"LOVEBRIDGE_STATE_BACKEND" yaml:"backend" toml:"backend"` // memory, nats or redis
	RedisURL string        `envconfig:"LOVEBRIDGE_REDIS_URL" yaml:"redis_url" toml:"redis_url"`
	Bucket   string        `envconfig:"LOVEBRIDGE_STATE_BUCKET" yaml:"bucket" toml:"bucket"`
	TTL      time.Duration `envconfig:"LOVEBRIDGE_STATE_TTL" yaml:"ttl" toml:"ttl"`
}

// HeartbeatsConfig configures the component heartbeat relay.
type HeartbeatsConfig struct {
	Timeout       time.Duration `envconfig:"LOVEBRIDGE_HEARTBEAT_TIMEOUT" yaml:"timeout" toml:"timeout"`
	MaxLost       int           `envconfig:"LOVEBRIDGE_HEARTBEAT_MAX_LOST" yaml:"max_lost" toml:"max_lost"`
	CheckInterval time.Duration `envconfig:"LOVEBRIDGE_HEARTBEAT_CHECK" yaml:"check_interval" toml:"check_interval"`
}

// QueueConfig configures the job-queue relay.
type QueueConfig struct {
	Index            int           `envconfig:"LOVEBRIDGE_QUEUE_INDEX" yaml:"index" toml:"index"`
	RetireGrace      time.Duration `envconfig:"LOVEBRIDGE_RETIRE_GRACE" yaml:"retire_grace" toml:"retire_grace"`
	PendingExpiry    time.Duration `envconfig:"LOVEBRIDGE_PENDING_EXPIRY" yaml:"pending_expiry" toml:"pending_expiry"`
	JobHeartbeat     time.Duration `envconfig:"LOVEBRIDGE_JOB_HEARTBEAT" yaml:"job_heartbeat_timeout" toml:"job_heartbeat_timeout"`
	JobHeartbeatLost int           `envconfig:"LOVEBRIDGE_JOB_HEARTBEAT_LOST" yaml:"job_heartbeat_lost" toml:"job_heartbeat_lost"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled  bool   `envconfig:"LOVEBRIDGE_TRACING" yaml:"enabled" toml:"enabled"`
	Endpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" yaml:"endpoint" toml:"endpoint"`
	Protocol string `envconfig:"LOVEBRIDGE_TRACING_PROTOCOL" yaml:"protocol" toml:"protocol"`
	Insecure bool   `envconfig:"LOVEBRIDGE_TRACING_INSECURE" yaml:"insecure" toml:"insecure"`

	// SampleRatio keeps that fraction of traces (0 keeps all).
	SampleRatio float64 `envconfig:"LOVEBRIDGE_TRACING_SAMPLE_RATIO" yaml:"sample_ratio" toml:"sample_ratio"`
}

// DefaultEvents are the generic events every component publishes.
var DefaultEvents = []string{"summaryState", "errorCode", "simulationMode", "softwareVersions", "logMessage"}

// CSC is one parsed component entry.
type CSC struct {
	Name  string
	Index int
}

// String returns "Name:index".
func (c CSC) String() string {
	return c.Name + ":" + strconv.Itoa(c.Index)
}

// Load loads configuration from an optional file and the environment.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}
	setDefaults(cfg)

	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, bridgeerr.ConfigInvalid(fmt.Sprintf("loading config file %s: %v", configPath, err))
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, bridgeerr.ConfigInvalid(fmt.Sprintf("processing env config: %v", err))
	}
	if v, ok := os.LookupEnv("LOVE_PRODUCERS"); ok && v != "" {
		cfg.Producers = strings.Split(v, ":")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err = toml.Decode(string(data), cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = fmt.Errorf("unsupported config format %q (use .toml, .yaml or .yml)", filepath.Ext(path))
	}
	return err
}

func setDefaults(cfg *Config) {
	cfg.LogLevel = "INFO"

	cfg.Manager = ManagerConfig{
		BackoffMin:        time.Second,
		BackoffMax:        30 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		BufferSize:        1000,
	}

	cfg.Bus = BusConfig{
		Type:           "nats",
		URL:            "nats://localhost:4222",
		Stream:         "SAL",
		RequestTimeout: 5 * time.Second,
	}

	cfg.State = StateConfig{
		Backend: "memory",
		Bucket:  "lovebridge-state",
		TTL:     24 * time.Hour,
	}

	cfg.Heartbeats = HeartbeatsConfig{
		Timeout:       15 * time.Second,
		MaxLost:       5,
		CheckInterval: time.Second,
	}

	cfg.Queue = QueueConfig{
		Index:            1,
		RetireGrace:      5 * time.Second,
		PendingExpiry:    2 * time.Second,
		JobHeartbeat:     5 * time.Second,
		JobHeartbeatLost: 5,
	}

	cfg.Tracing = TracingConfig{
		Protocol: "grpc",
	}
}

// Validate checks the configuration. Every failure carries CONFIG_INVALID.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.Manager.Host) == "" {
		add("manager host is required (WEBSOCKET_HOST)")
	}
	if c.Manager.BackoffMin <= 0 || c.Manager.BackoffMax < c.Manager.BackoffMin {
		add("backoff range %v..%v is invalid", c.Manager.BackoffMin, c.Manager.BackoffMax)
	}
	if c.Manager.HeartbeatInterval < 0 {
		add("heartbeat interval must not be negative")
	}
	if c.Manager.BufferSize <= 0 {
		add("buffer size must be positive")
	}
	if c.Manager.MaxSendRate < 0 {
		add("max send rate must not be negative")
	}

	switch c.Bus.Type {
	case "nats":
		if c.Bus.URL == "" {
			add("bus url is required for nats (NATS_URL)")
		}
	case "memory":
	default:
		add("unknown bus type %q", c.Bus.Type)
	}
	if c.Bus.RequestTimeout <= 0 {
		add("request timeout must be positive")
	}

	switch c.State.Backend {
	case "memory":
	case "nats":
		if c.Bus.Type != "nats" {
			add("nats state backend needs the nats bus")
		}
	case "redis":
		if c.State.RedisURL == "" {
			add("redis url is required for the redis state backend")
		}
	default:
		add("unknown state backend %q", c.State.Backend)
	}

	if c.Heartbeats.Timeout <= 0 || c.Heartbeats.MaxLost <= 0 || c.Heartbeats.CheckInterval <= 0 {
		add("heartbeat timeout, max_lost and check_interval must be positive")
	}
	if c.Queue.RetireGrace <= 0 || c.Queue.PendingExpiry <= 0 {
		add("queue retire_grace and pending_expiry must be positive")
	}
	if c.Queue.JobHeartbeat <= 0 || c.Queue.JobHeartbeatLost <= 0 {
		add("job heartbeat timeout and lost threshold must be positive")
	}

	if _, err := c.Relays(); err != nil {
		add("%v", err)
	}
	if _, err := c.Components(); err != nil {
		add("%v", err)
	}
	if c.Tracing.Enabled && c.Tracing.Protocol != "grpc" && c.Tracing.Protocol != "http" {
		add("tracing protocol %q must be grpc or http", c.Tracing.Protocol)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		add("tracing sample ratio must be within 0..1")
	}

	if len(problems) > 0 {
		return bridgeerr.ConfigInvalid(strings.Join(problems, "; "))
	}
	return nil
}

// Relays returns the normalized relay names to run. The legacy producer
// names (TELEMETRIES, EVENTS, CSC_HEARTBEATS, SCRIPTQUEUE) are accepted.
func (c *Config) Relays() ([]string, error) {
	if len(c.Producers) == 0 {
		return AllRelays, nil
	}
	seen := map[string]bool{}
	var out []string
	for _, p := range c.Producers {
		name, err := relayName(p)
		if err != nil {
			return nil, err
		}
		if name == "all" {
			return AllRelays, nil
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out, nil
}

func relayName(p string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "events":
		return RelayEvents, nil
	case "telemetry", "telemetries":
		return RelayTelemetry, nil
	case "heartbeats", "csc_heartbeats":
		return RelayHeartbeats, nil
	case "queue", "scriptqueue":
		return RelayQueue, nil
	case "all", "":
		return "all", nil
	default:
		return "", fmt.Errorf("unknown producer %q", p)
	}
}

// Components parses CSCs.
func (c *Config) Components() ([]CSC, error) {
	out := make([]CSC, 0, len(c.CSCs))
	for _, s := range c.CSCs {
		csc, err := ParseCSC(s)
		if err != nil {
			return nil, err
		}
		out = append(out, csc)
	}
	return out, nil
}

// ParseCSC parses "Name" or "Name:index". A missing index is 0.
func ParseCSC(s string) (CSC, error) {
	s = strings.TrimSpace(s)
	name, idx, found := strings.Cut(s, ":")
	if name == "" || strings.ContainsAny(name, " .*>") {
		return CSC{}, fmt.Errorf("invalid component %q", s)
	}
	csc := CSC{Name: name}
	if found {
		n, err := strconv.Atoi(idx)
		if err != nil || n < 0 {
			return CSC{}, fmt.Errorf("invalid component index in %q", s)
		}
		csc.Index = n
	}
	return csc, nil
}

// EventsFor returns the event names to relay for a component.
func (c *Config) EventsFor(name string) []string {
	if ev, ok := c.Events[name]; ok {
		return ev
	}
	return DefaultEvents
}

// TelemetryFor returns the telemetry names to relay for a component.
func (c *Config) TelemetryFor(name string) []string {
	return c.Telemetry[name]
}
