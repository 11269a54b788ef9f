package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"vmservice/internal/logger"
)

// rawConfig is used for JSON unmarshaling with duration strings.
type rawConfig struct {
	Hostname   string             `json:"Hostname"`
	Service    rawServiceConfig   `json:"Service"`
	Runtime    RuntimeConfig      `json:"Runtime"`
	Journal    rawJournalConfig   `json:"Journal"`
	Directory  rawDirectoryConfig `json:"Directory"`
	SOCKSProxy SOCKSConfig        `json:"SocksProxy"`
}

type rawServiceConfig struct {
	ShutdownTimeout string `json:"ShutdownTimeout"`
	// Defaults to true when absent.
	InjectServiceLibrary *bool `json:"InjectServiceLibrary"`
	Restartable          bool  `json:"Restartable"`
}

type rawJournalConfig struct {
	Type       string             `json:"Type"`
	BufferSize int                `json:"BufferSize"`
	File       FileConfig         `json:"File"`
	Kafka      rawKafkaConfig     `json:"Kafka"`
	KafkaRest  rawKafkaRestConfig `json:"KafkaRest"`
}

type rawKafkaConfig struct {
	Brokers        []string `json:"Brokers"`
	Topic          string   `json:"Topic"`
	Compression    string   `json:"Compression"`
	RequiredAcks   int      `json:"RequiredAcks"`
	MaxRetries     int      `json:"MaxRetries"`
	RetryBackoff   string   `json:"RetryBackoff"`
	FlushFrequency string   `json:"FlushFrequency"`
	FlushMessages  int      `json:"FlushMessages"`
	Timeout        string   `json:"Timeout"`
	EnableTLS      bool     `json:"EnableTLS"`
	TLSCertFile    string   `json:"TLSCertFile"`
	TLSKeyFile     string   `json:"TLSKeyFile"`
	TLSCAFile      string   `json:"TLSCAFile"`
	SASLEnabled    bool     `json:"SASLEnabled"`
	SASLMechanism  string   `json:"SASLMechanism"`
	SASLUser       string   `json:"SASLUser"`
	SASLPassword   string   `json:"SASLPassword"`
}

type rawKafkaRestConfig struct {
	Address string `json:"Address"`
	Topic   string `json:"Topic"`
	Timeout string `json:"Timeout"`
}

type rawDirectoryConfig struct {
	Enabled  bool   `json:"Enabled"`
	Address  string `json:"Address"`
	Password string `json:"Password"`
	DB       int    `json:"DB"`
	Key      string `json:"Key"`
	Timeout  string `json:"Timeout"`
}

type rawLoggingConfig struct {
	Level      string `json:"Level"`
	FilePath   string `json:"FilePath"`
	Format     string `json:"Format"`
	MaxSizeMB  int    `json:"MaxSizeMB"`
	MaxBackups int    `json:"MaxBackups"`
	MaxAgeDays int    `json:"MaxAgeDays"`
	Compress   bool   `json:"Compress"`
	Console    bool   `json:"Console"`
}

// Load reads configuration from the specified file path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from JSON bytes and validates the result.
func Parse(data []byte) (*Config, error) {
	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	parsed, err := convertRawConfig(&raw)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	cfg.Merge(parsed)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", field, err)
	}
	return d, nil
}

func convertRawConfig(raw *rawConfig) (*Config, error) {
	cfg := &Config{
		Hostname:   raw.Hostname,
		Runtime:    raw.Runtime,
		SOCKSProxy: raw.SOCKSProxy,
	}

	var err error
	if cfg.Service.ShutdownTimeout, err = parseDuration("Service.ShutdownTimeout", raw.Service.ShutdownTimeout); err != nil {
		return nil, err
	}
	cfg.Service.InjectServiceLibrary = raw.Service.InjectServiceLibrary == nil || *raw.Service.InjectServiceLibrary
	cfg.Service.Restartable = raw.Service.Restartable

	cfg.Journal.Type = raw.Journal.Type
	cfg.Journal.BufferSize = raw.Journal.BufferSize
	cfg.Journal.File = raw.Journal.File
	kafka, err := convertRawKafka(&raw.Journal.Kafka)
	if err != nil {
		return nil, err
	}
	cfg.Journal.Kafka = *kafka
	cfg.Journal.KafkaRest.Address = raw.Journal.KafkaRest.Address
	cfg.Journal.KafkaRest.Topic = raw.Journal.KafkaRest.Topic
	if cfg.Journal.KafkaRest.Timeout, err = parseDuration("KafkaRest.Timeout", raw.Journal.KafkaRest.Timeout); err != nil {
		return nil, err
	}

	cfg.Directory = DirectoryConfig{
		Enabled:  raw.Directory.Enabled,
		Address:  raw.Directory.Address,
		Password: raw.Directory.Password,
		DB:       raw.Directory.DB,
		Key:      raw.Directory.Key,
	}
	if cfg.Directory.Timeout, err = parseDuration("Directory.Timeout", raw.Directory.Timeout); err != nil {
		return nil, err
	}

	return cfg, nil
}

func convertRawKafka(raw *rawKafkaConfig) (*KafkaConfig, error) {
	kafka := &KafkaConfig{
		Brokers:       raw.Brokers,
		Topic:         raw.Topic,
		Compression:   raw.Compression,
		RequiredAcks:  raw.RequiredAcks,
		MaxRetries:    raw.MaxRetries,
		FlushMessages: raw.FlushMessages,
		EnableTLS:     raw.EnableTLS,
		TLSCertFile:   raw.TLSCertFile,
		TLSKeyFile:    raw.TLSKeyFile,
		TLSCAFile:     raw.TLSCAFile,
		SASLEnabled:   raw.SASLEnabled,
		SASLMechanism: raw.SASLMechanism,
		SASLUser:      raw.SASLUser,
		SASLPassword:  raw.SASLPassword,
	}

	var err error
	if kafka.RetryBackoff, err = parseDuration("RetryBackoff", raw.RetryBackoff); err != nil {
		return nil, err
	}
	if kafka.FlushFrequency, err = parseDuration("FlushFrequency", raw.FlushFrequency); err != nil {
		return nil, err
	}
	if kafka.Timeout, err = parseDuration("Timeout", raw.Timeout); err != nil {
		return nil, err
	}
	return kafka, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Journal.Type) {
	case "file", "kafka", "kafkarest", "none":
	default:
		return fmt.Errorf("unknown journal type %q (supported: file, kafka, kafkarest, none)", c.Journal.Type)
	}
	if c.Service.ShutdownTimeout <= 0 {
		return fmt.Errorf("Service.ShutdownTimeout must be positive")
	}
	if c.Runtime.MaxIsolates < 0 {
		return fmt.Errorf("Runtime.MaxIsolates must not be negative")
	}
	if c.Runtime.InboxCapacity < 0 {
		return fmt.Errorf("Runtime.InboxCapacity must not be negative")
	}
	if c.Directory.Enabled && c.Directory.Address == "" {
		return fmt.Errorf("Directory.Address is required when the directory is enabled")
	}
	return nil
}

// LoadLogging reads logging configuration from the specified file path.
func LoadLogging(path string) (*logger.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read logging config file: %w", err)
	}
	return ParseLogging(data)
}

// ParseLogging parses logging configuration from JSON bytes.
func ParseLogging(data []byte) (*logger.Config, error) {
	var raw rawLoggingConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse logging config JSON: %w", err)
	}

	def := logger.DefaultConfig()
	if raw.Level != "" {
		def.Level = raw.Level
	}
	if raw.FilePath != "" {
		def.FilePath = raw.FilePath
	}
	if raw.Format != "" {
		def.Format = raw.Format
	}
	if raw.MaxSizeMB != 0 {
		def.MaxSizeMB = raw.MaxSizeMB
	}
	if raw.MaxBackups != 0 {
		def.MaxBackups = raw.MaxBackups
	}
	if raw.MaxAgeDays != 0 {
		def.MaxAgeDays = raw.MaxAgeDays
	}
	def.Compress = raw.Compress
	def.Console = raw.Console

	return &def, nil
}

// LoadSplit loads configPath (VMService.json) and loggingPath (Logging.json).
func LoadSplit(configPath, loggingPath string) (*Config, *logger.Config, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	lc, err := LoadLogging(loggingPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load logging config: %w", err)
	}

	return cfg, lc, nil
}
