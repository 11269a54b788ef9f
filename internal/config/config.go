// Package config provides configuration management for vmserviced.
package config

import (
	"os"
	"time"
)

// Config is the root configuration structure (VMService.json).
type Config struct {
	Hostname   string          `json:"Hostname"`
	Service    ServiceConfig   `json:"Service"`
	Runtime    RuntimeConfig   `json:"Runtime"`
	Journal    JournalConfig   `json:"Journal"`
	Directory  DirectoryConfig `json:"Directory"`
	SOCKSProxy SOCKSConfig     `json:"SocksProxy"`
}

// ServiceConfig controls the service isolate lifecycle.
type ServiceConfig struct {
	ShutdownTimeout      time.Duration `json:"ShutdownTimeout"`
	InjectServiceLibrary bool          `json:"InjectServiceLibrary"`
	Restartable          bool          `json:"Restartable"`
}

// RuntimeConfig bounds the isolate runtime.
type RuntimeConfig struct {
	MaxIsolates   int `json:"MaxIsolates"`
	InboxCapacity int `json:"InboxCapacity"`
}

// JournalConfig selects where lifecycle events are recorded.
type JournalConfig struct {
	Type       string          `json:"Type"` // "file", "kafka", "kafkarest" or "none"
	BufferSize int             `json:"BufferSize"`
	File       FileConfig      `json:"File"`
	Kafka      KafkaConfig     `json:"Kafka"`
	KafkaRest  KafkaRestConfig `json:"KafkaRest"`
}

// FileConfig contains settings for the file journal.
type FileConfig struct {
	FilePath   string `json:"FilePath"`
	MaxSizeMB  int    `json:"MaxSizeMB"`
	MaxBackups int    `json:"MaxBackups"`
	Console    bool   `json:"Console"`
}

// KafkaConfig contains Kafka connection settings.
type KafkaConfig struct {
	Brokers        []string      `json:"Brokers"`
	Topic          string        `json:"Topic"`
	Compression    string        `json:"Compression"`
	RequiredAcks   int           `json:"RequiredAcks"`
	MaxRetries     int           `json:"MaxRetries"`
	RetryBackoff   time.Duration `json:"RetryBackoff"`
	FlushFrequency time.Duration `json:"FlushFrequency"`
	FlushMessages  int           `json:"FlushMessages"`
	Timeout        time.Duration `json:"Timeout"`
	EnableTLS      bool          `json:"EnableTLS"`
	TLSCertFile    string        `json:"TLSCertFile"`
	TLSKeyFile     string        `json:"TLSKeyFile"`
	TLSCAFile      string        `json:"TLSCAFile"`
	SASLEnabled    bool          `json:"SASLEnabled"`
	SASLMechanism  string        `json:"SASLMechanism"`
	SASLUser       string        `json:"SASLUser"`
	SASLPassword   string        `json:"SASLPassword"`
}

// KafkaRestConfig contains settings for the Kafka REST proxy journal.
type KafkaRestConfig struct {
	Address string        `json:"Address"`
	Topic   string        `json:"Topic"`
	Timeout time.Duration `json:"Timeout"`
}

// DirectoryConfig contains the Redis port directory settings.
type DirectoryConfig struct {
	Enabled  bool          `json:"Enabled"`
	Address  string        `json:"Address"`
	Password string        `json:"Password"`
	DB       int           `json:"DB"`
	Key      string        `json:"Key"`
	Timeout  time.Duration `json:"Timeout"`
}

// SOCKSConfig contains SOCKS5 proxy settings.
type SOCKSConfig struct {
	Host string `json:"Host"`
	Port int    `json:"Port"`
}

// Enabled reports whether a proxy is configured.
func (s SOCKSConfig) Enabled() bool {
	return s.Host != "" && s.Port > 0
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			ShutdownTimeout:      5 * time.Second,
			InjectServiceLibrary: true,
		},
		Runtime: RuntimeConfig{
			MaxIsolates:   64,
			InboxCapacity: 128,
		},
		Journal: JournalConfig{
			Type:       "file",
			BufferSize: 256,
			File: FileConfig{
				FilePath:   "log/vmservice/lifecycle.jsonl",
				MaxSizeMB:  50,
				MaxBackups: 3,
			},
			Kafka: KafkaConfig{
				Brokers:        []string{"localhost:9092"},
				Topic:          "vm-service-lifecycle",
				Compression:    "snappy",
				RequiredAcks:   1,
				MaxRetries:     3,
				RetryBackoff:   100 * time.Millisecond,
				FlushFrequency: 500 * time.Millisecond,
				FlushMessages:  100,
				Timeout:        10 * time.Second,
			},
			KafkaRest: KafkaRestConfig{
				Topic:   "vm-service-lifecycle",
				Timeout: 10 * time.Second,
			},
		},
		Directory: DirectoryConfig{
			Address: "127.0.0.1:6379",
			Key:     "VM_SERVICE",
			Timeout: 3 * time.Second,
		},
	}
}

// Merge applies non-zero values from other to this config.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Hostname != "" {
		c.Hostname = other.Hostname
	}

	// Service
	if other.Service.ShutdownTimeout != 0 {
		c.Service.ShutdownTimeout = other.Service.ShutdownTimeout
	}
	c.Service.InjectServiceLibrary = other.Service.InjectServiceLibrary
	c.Service.Restartable = other.Service.Restartable

	// Runtime
	if other.Runtime.MaxIsolates != 0 {
		c.Runtime.MaxIsolates = other.Runtime.MaxIsolates
	}
	if other.Runtime.InboxCapacity != 0 {
		c.Runtime.InboxCapacity = other.Runtime.InboxCapacity
	}

	// Journal
	if other.Journal.Type != "" {
		c.Journal.Type = other.Journal.Type
	}
	if other.Journal.BufferSize != 0 {
		c.Journal.BufferSize = other.Journal.BufferSize
	}
	c.Journal.File.merge(other.Journal.File)
	c.Journal.Kafka.merge(other.Journal.Kafka)
	if other.Journal.KafkaRest.Address != "" {
		c.Journal.KafkaRest.Address = other.Journal.KafkaRest.Address
	}
	if other.Journal.KafkaRest.Topic != "" {
		c.Journal.KafkaRest.Topic = other.Journal.KafkaRest.Topic
	}
	if other.Journal.KafkaRest.Timeout != 0 {
		c.Journal.KafkaRest.Timeout = other.Journal.KafkaRest.Timeout
	}

	// Directory
	c.Directory.Enabled = other.Directory.Enabled
	if other.Directory.Address != "" {
		c.Directory.Address = other.Directory.Address
	}
	if other.Directory.Password != "" {
		c.Directory.Password = other.Directory.Password
	}
	if other.Directory.DB != 0 {
		c.Directory.DB = other.Directory.DB
	}
	if other.Directory.Key != "" {
		c.Directory.Key = other.Directory.Key
	}
	if other.Directory.Timeout != 0 {
		c.Directory.Timeout = other.Directory.Timeout
	}

	// SOCKS proxy
	if other.SOCKSProxy.Host != "" {
		c.SOCKSProxy.Host = other.SOCKSProxy.Host
	}
	if other.SOCKSProxy.Port != 0 {
		c.SOCKSProxy.Port = other.SOCKSProxy.Port
	}
}

func (f *FileConfig) merge(other FileConfig) {
	if other.FilePath != "" {
		f.FilePath = other.FilePath
	}
	if other.MaxSizeMB != 0 {
		f.MaxSizeMB = other.MaxSizeMB
	}
	if other.MaxBackups != 0 {
		f.MaxBackups = other.MaxBackups
	}
	f.Console = other.Console
}

func (k *KafkaConfig) merge(other KafkaConfig) {
	if len(other.Brokers) > 0 {
		k.Brokers = other.Brokers
	}
	if other.Topic != "" {
		k.Topic = other.Topic
	}
	if other.Compression != "" {
		k.Compression = other.Compression
	}
	if other.RequiredAcks != 0 {
		k.RequiredAcks = other.RequiredAcks
	}
	if other.MaxRetries != 0 {
		k.MaxRetries = other.MaxRetries
	}
	if other.RetryBackoff != 0 {
		k.RetryBackoff = other.RetryBackoff
	}
	if other.FlushFrequency != 0 {
		k.FlushFrequency = other.FlushFrequency
	}
	if other.FlushMessages != 0 {
		k.FlushMessages = other.FlushMessages
	}
	if other.Timeout != 0 {
		k.Timeout = other.Timeout
	}
	k.EnableTLS = other.EnableTLS
	if other.TLSCertFile != "" {
		k.TLSCertFile = other.TLSCertFile
	}
	if other.TLSKeyFile != "" {
		k.TLSKeyFile = other.TLSKeyFile
	}
	if other.TLSCAFile != "" {
		k.TLSCAFile = other.TLSCAFile
	}
	k.SASLEnabled = other.SASLEnabled
	if other.SASLMechanism != "" {
		k.SASLMechanism = other.SASLMechanism
	}
	if other.SASLUser != "" {
		k.SASLUser = other.SASLUser
	}
	if other.SASLPassword != "" {
		k.SASLPassword = other.SASLPassword
	}
}

// GetHostname returns the configured hostname or the system hostname.
func GetHostname(cfg *Config) string {
	if cfg.Hostname != "" {
		return cfg.Hostname
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
