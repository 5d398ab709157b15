package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// EngineConfig selects and tunes the detection engine.
type EngineConfig struct {
	Type             string   `yaml:"type"` // "signature" or "disabled"
	TickResolution   uint32   `yaml:"tick_resolution"`
	TCPPacketCeiling uint64   `yaml:"tcp_packet_ceiling"`
	Protocols        []string `yaml:"protocols"`
}

// ClassifierConfig holds the settings of the classification contexts.
type ClassifierConfig struct {
	NumContexts         int    `yaml:"num_contexts"`
	SizeOfPacketChannel int    `yaml:"size_of_packet_channel"`
	IdleTimeout         string `yaml:"idle_timeout"`
	ExpireInterval      string `yaml:"expire_interval"`
}

// CaptureConfig describes where packets come from.
type CaptureConfig struct {
	Interface   string `yaml:"interface"`
	PcapFile    string `yaml:"pcap_file"`
	SnapshotLen int32  `yaml:"snapshot_len"`
	Promiscuous bool   `yaml:"promiscuous"`
	BPFFilter   string `yaml:"bpf_filter"`
}

// PublisherConfig holds the NATS verdict publisher settings.
type PublisherConfig struct {
	Enabled bool   `yaml:"enabled"`
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// GobConfig holds the settings for the gob snapshot writer.
type GobConfig struct {
	RootPath string `yaml:"root_path"`
}

// ClickHouseConfig holds the connection settings for ClickHouse.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// WriterDef defines a single snapshot writer.
type WriterDef struct {
	Type             string           `yaml:"type"`
	Enabled          bool             `yaml:"enabled"`
	SnapshotInterval string           `yaml:"snapshot_interval"`
	Gob              GobConfig        `yaml:"gob"`
	ClickHouse       ClickHouseConfig `yaml:"clickhouse"`
}

// APIConfig holds the listen addresses of the HTTP API and the gRPC health service.
type APIConfig struct {
	ListenAddr     string `yaml:"listen_addr"`
	GRPCListenAddr string `yaml:"grpc_listen_addr"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Engine     EngineConfig     `yaml:"engine"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Capture    CaptureConfig    `yaml:"capture"`
	Publisher  PublisherConfig  `yaml:"publisher"`
	Writers    []WriterDef      `yaml:"writers"`
	API        APIConfig        `yaml:"api"`
}

// envVarPattern matches ${VAR_NAME} or $VAR_NAME patterns
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Z_][A-Z0-9_]*)`)

// Defaults returns a configuration with every default applied.
func Defaults() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Engine: EngineConfig{
			Type:             "signature",
			TickResolution:   1000,
			TCPPacketCeiling: 10,
		},
		Classifier: ClassifierConfig{
			NumContexts:         1,
			SizeOfPacketChannel: 4096,
			IdleTimeout:         "5m",
			ExpireInterval:      "30s",
		},
		Capture: CaptureConfig{SnapshotLen: 1600, Promiscuous: true},
		Publisher: PublisherConfig{
			NATSURL: "nats://127.0.0.1:4222",
			Subject: "godpi.verdicts",
		},
		API: APIConfig{ListenAddr: ":8080", GRPCListenAddr: ":9090"},
	}
}

// LoadConfig reads the configuration from a YAML file and returns a Config struct.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML data, substituting ${VAR} references
// from the environment, applying defaults and validating the result.
func Parse(data []byte) (*Config, error) {
	data = substituteEnvVars(data)

	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		s := string(match)
		var name string
		if strings.HasPrefix(s, "${") {
			name = s[2 : len(s)-1]
		} else {
			name = s[1:]
		}
		if value, ok := os.LookupEnv(name); ok {
			return []byte(value)
		}
		return match
	})
}

// applyDefaults restores defaults for fields explicitly zeroed in the file.
func applyDefaults(cfg *Config) {
	d := Defaults()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = d.Logging.Format
	}
	if cfg.Engine.Type == "" {
		cfg.Engine.Type = d.Engine.Type
	}
	if cfg.Engine.TickResolution == 0 {
		cfg.Engine.TickResolution = d.Engine.TickResolution
	}
	if cfg.Engine.TCPPacketCeiling == 0 {
		cfg.Engine.TCPPacketCeiling = d.Engine.TCPPacketCeiling
	}
	if cfg.Classifier.NumContexts <= 0 {
		cfg.Classifier.NumContexts = d.Classifier.NumContexts
	}
	if cfg.Classifier.SizeOfPacketChannel <= 0 {
		cfg.Classifier.SizeOfPacketChannel = d.Classifier.SizeOfPacketChannel
	}
	if cfg.Classifier.ExpireInterval == "" {
		cfg.Classifier.ExpireInterval = d.Classifier.ExpireInterval
	}
	if cfg.Capture.SnapshotLen <= 0 {
		cfg.Capture.SnapshotLen = d.Capture.SnapshotLen
	}
	if cfg.Publisher.Subject == "" {
		cfg.Publisher.Subject = d.Publisher.Subject
	}
}

// Validate checks the configuration for inconsistent values.
func (c *Config) Validate() error {
	var errs []error

	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be 'console' or 'json', got %q", c.Logging.Format))
	}

	if c.Engine.TickResolution == 0 || c.Engine.TickResolution > 1000000 || 1000000%c.Engine.TickResolution != 0 {
		errs = append(errs, fmt.Errorf("engine.tick_resolution must divide 1000000, got %d", c.Engine.TickResolution))
	}

	if _, err := c.IdleTimeout(); err != nil {
		errs = append(errs, fmt.Errorf("classifier.idle_timeout: %w", err))
	}
	if d, err := c.ExpireInterval(); err != nil {
		errs = append(errs, fmt.Errorf("classifier.expire_interval: %w", err))
	} else if d <= 0 {
		errs = append(errs, errors.New("classifier.expire_interval must be a positive duration"))
	}

	if c.Publisher.Enabled && c.Publisher.NATSURL == "" {
		errs = append(errs, errors.New("publisher.nats_url is required when the publisher is enabled"))
	}

	for i, w := range c.Writers {
		if !w.Enabled {
			continue
		}
		switch w.Type {
		case "gob":
			if w.Gob.RootPath == "" {
				errs = append(errs, fmt.Errorf("writers[%d]: gob.root_path is required", i))
			}
		case "clickhouse":
			if w.ClickHouse.Host == "" || w.ClickHouse.Port == 0 {
				errs = append(errs, fmt.Errorf("writers[%d]: clickhouse.host and clickhouse.port are required", i))
			}
		default:
			errs = append(errs, fmt.Errorf("writers[%d]: unknown writer type %q", i, w.Type))
		}
		if _, err := time.ParseDuration(w.SnapshotInterval); err != nil {
			errs = append(errs, fmt.Errorf("writers[%d]: invalid snapshot_interval: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

// IdleTimeout returns the parsed idle timeout. Zero disables idle eviction.
func (c *Config) IdleTimeout() (time.Duration, error) {
	if c.Classifier.IdleTimeout == "" || c.Classifier.IdleTimeout == "0" {
		return 0, nil
	}
	return time.ParseDuration(c.Classifier.IdleTimeout)
}

// ExpireInterval returns how often idle flows are looked for.
func (c *Config) ExpireInterval() (time.Duration, error) {
	return time.ParseDuration(c.Classifier.ExpireInterval)
}
