package journal

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/IBM/sarama"

	"vmservice/internal/config"
	"vmservice/internal/logger"
	"vmservice/internal/network"
)

// KafkaSink publishes events to a Kafka topic, keyed by host.
type KafkaSink struct {
	producer sarama.AsyncProducer
	topic    string
	mu       sync.RWMutex
	closed   bool
	errDone  chan struct{}
}

// NewKafkaSink connects an async producer to cfg.Brokers.
func NewKafkaSink(cfg config.KafkaConfig, socks config.SOCKSConfig) (*KafkaSink, error) {
	sc, err := newSaramaConfig(cfg, socks)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	log := logger.WithComponent("journal")
	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Msg("Kafka journal initialized")
	return newKafkaSink(producer, cfg.Topic), nil
}

func newKafkaSink(producer sarama.AsyncProducer, topic string) *KafkaSink {
	s := &KafkaSink{
		producer: producer,
		topic:    topic,
		errDone:  make(chan struct{}),
	}
	go s.handleErrors()
	return s
}

func newSaramaConfig(cfg config.KafkaConfig, socks config.SOCKSConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()

	sc.Producer.Return.Successes = false
	sc.Producer.Return.Errors = true
	sc.Producer.Retry.Max = cfg.MaxRetries
	sc.Producer.Retry.Backoff = cfg.RetryBackoff
	sc.Producer.Flush.Frequency = cfg.FlushFrequency
	sc.Producer.Flush.Messages = cfg.FlushMessages

	switch strings.ToLower(cfg.Compression) {
	case "none":
		sc.Producer.Compression = sarama.CompressionNone
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		sc.Producer.Compression = sarama.CompressionSnappy
	}

	switch cfg.RequiredAcks {
	case 0:
		sc.Producer.RequiredAcks = sarama.NoResponse
	case -1:
		sc.Producer.RequiredAcks = sarama.WaitForAll
	default:
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	}

	if cfg.Timeout > 0 {
		sc.Net.DialTimeout = cfg.Timeout
		sc.Net.ReadTimeout = cfg.Timeout
		sc.Net.WriteTimeout = cfg.Timeout
	}

	if cfg.EnableTLS {
		tlsConfig, err := createTLSConfig(cfg.TLSCertFile, cfg.TLSKeyFile, cfg.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = tlsConfig
	}

	if cfg.SASLEnabled {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User = cfg.SASLUser
		sc.Net.SASL.Password = cfg.SASLPassword

		switch strings.ToUpper(cfg.SASLMechanism) {
		case "SCRAM-SHA-256":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &scramClient{HashGeneratorFcn: SHA256}
			}
		case "SCRAM-SHA-512":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &scramClient{HashGeneratorFcn: SHA512}
			}
		default:
			sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		}
	}

	if socks.Enabled() {
		dialer, err := network.NewSOCKS5Dialer(socks.Host, socks.Port)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer for Kafka: %w", err)
		}
		sc.Net.Proxy.Enable = true
		sc.Net.Proxy.Dialer = dialer
	}

	return sc, nil
}

func (s *KafkaSink) Write(ctx context.Context, ev Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("journal is closed")
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic:     s.topic,
		Key:       sarama.StringEncoder(ev.Host),
		Value:     sarama.ByteEncoder(data),
		Timestamp: ev.Time,
		Headers: []sarama.RecordHeader{
			{Key: []byte("phase"), Value: []byte(ev.Phase)},
		},
	}

	select {
	case s.producer.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes the producer and waits for its error stream to end.
func (s *KafkaSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.producer.Close()
	<-s.errDone
	return err
}

func (s *KafkaSink) handleErrors() {
	defer close(s.errDone)
	log := logger.WithComponent("journal")
	for perr := range s.producer.Errors() {
		log.Error().Err(perr.Err).
			Str("topic", perr.Msg.Topic).
			Msg("Failed to publish lifecycle event")
	}
}

func createTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}
