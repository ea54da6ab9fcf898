// Package config loads and validates the underlay daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tunnelworks/underlay/pkg"
)

// MQTTConfig configures the optional event publisher.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Port        int    `yaml:"port"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

// TelephonyConfig is the static telephony snapshot for deployments without
// a live modem stack.
type TelephonyConfig struct {
	OpportunisticSubs []int            `yaml:"opportunistic_subs"`
	Groups            map[string][]int `yaml:"groups"`
	ActiveDataSub     int              `yaml:"active_data_sub"`
}

// Config is the daemon configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	// State machine timeouts. Mandatory: a zero timeout would either never
	// release networks from the penalty box or penalize them instantly.
	ProspectiveTimeoutS int `yaml:"prospective_timeout_s"`
	PenaltyBoxTimeoutS  int `yaml:"penalty_box_timeout_s"`

	// Metric evaluation.
	EvalTimeoutS       int      `yaml:"eval_timeout_s"`
	ProbeTargets       []string `yaml:"probe_targets"`
	ProbeMaxLatencyMS  float64  `yaml:"probe_max_latency_ms"`
	WiFiEntryRSSI      int      `yaml:"wifi_entry_rssi"`
	WiFiExitRSSI       int      `yaml:"wifi_exit_rssi"`
	TrendMinSamples    int      `yaml:"trend_min_samples"`
	TrendMaxSlopeMSMin float64  `yaml:"trend_max_slope_ms_per_min"`
	TrafficStallLimit  int      `yaml:"traffic_stall_limit"`

	// Classification.
	SubscriptionGroup string          `yaml:"subscription_group"`
	Telephony         TelephonyConfig `yaml:"telephony"`

	// Connectivity input for the daemon.
	NetworksFile   string `yaml:"networks_file"`
	PollIntervalMS int    `yaml:"poll_interval_ms"`

	// Observability.
	APIListen         string     `yaml:"api_listen"`
	TelemetryCapacity int        `yaml:"telemetry_capacity"`
	JournalPath       string     `yaml:"journal_path"`
	MQTT              MQTTConfig `yaml:"mqtt"`
}

// Default returns the configuration defaults applied before loading.
func Default() *Config {
	return &Config{
		LogLevel:            "info",
		ProspectiveTimeoutS: 30,
		PenaltyBoxTimeoutS:  60,
		EvalTimeoutS:        5,
		ProbeTargets:        []string{"8.8.8.8:53", "1.1.1.1:53"},
		ProbeMaxLatencyMS:   500,
		WiFiEntryRSSI:       -70,
		WiFiExitRSSI:        -74,
		TrendMinSamples:     5,
		TrendMaxSlopeMSMin:  50,
		TrafficStallLimit:   3,
		PollIntervalMS:      2000,
		APIListen:           "127.0.0.1:8797",
		TelemetryCapacity:   500,
		MQTT: MQTTConfig{
			Broker:      "localhost",
			Port:        1883,
			ClientID:    "underlayd",
			TopicPrefix: "underlay",
			QoS:         1,
		},
	}
}

// Load reads a YAML config file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.ProspectiveTimeoutS <= 0 {
		errs = append(errs, fmt.Errorf("prospective_timeout_s must be positive, got %d", c.ProspectiveTimeoutS))
	}
	if c.PenaltyBoxTimeoutS <= 0 {
		errs = append(errs, fmt.Errorf("penalty_box_timeout_s must be positive, got %d", c.PenaltyBoxTimeoutS))
	}
	if c.EvalTimeoutS <= 0 {
		errs = append(errs, fmt.Errorf("eval_timeout_s must be positive, got %d", c.EvalTimeoutS))
	}
	if c.PollIntervalMS <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval_ms must be positive, got %d", c.PollIntervalMS))
	}
	if c.TelemetryCapacity <= 0 {
		errs = append(errs, fmt.Errorf("telemetry_capacity must be positive, got %d", c.TelemetryCapacity))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker must be set when mqtt is enabled"))
	}
	return errors.Join(errs...)
}

// ProspectiveTimeout returns the prospective-validation timeout.
func (c *Config) ProspectiveTimeout() time.Duration {
	return time.Duration(c.ProspectiveTimeoutS) * time.Second
}

// PenaltyBoxTimeout returns the penalty-box recovery timeout.
func (c *Config) PenaltyBoxTimeout() time.Duration {
	return time.Duration(c.PenaltyBoxTimeoutS) * time.Second
}

// EvalTimeout returns the per-evaluation deadline.
func (c *Config) EvalTimeout() time.Duration {
	return time.Duration(c.EvalTimeoutS) * time.Second
}

// PollInterval returns the networks-file poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// CarrierConfig exposes the metric thresholds as the opaque bundle the
// quality layer consumes.
func (c *Config) CarrierConfig() pkg.CarrierConfig {
	return pkg.CarrierConfig{
		"wifi_entry_rssi_threshold":  c.WiFiEntryRSSI,
		"wifi_exit_rssi_threshold":   c.WiFiExitRSSI,
		"probe_targets":              c.ProbeTargets,
		"probe_max_latency_ms":       c.ProbeMaxLatencyMS,
		"trend_min_samples":          c.TrendMinSamples,
		"trend_max_slope_ms_per_min": c.TrendMaxSlopeMSMin,
		"traffic_stall_limit":        c.TrafficStallLimit,
	}
}
