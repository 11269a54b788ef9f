package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"vmservice/internal/config"
	"vmservice/internal/logger"
	"vmservice/internal/network"
)

const (
	kafkaRestContentType = "application/vnd.kafka.json.v2+json"
	kafkaRestRetries     = 2
	kafkaRestRetryDelay  = 500 * time.Millisecond
)

// KafkaRestSink posts events to a Kafka REST proxy.
type KafkaRestSink struct {
	client     *http.Client
	url        string
	retryDelay time.Duration
	mu         sync.RWMutex
	closed     bool
}

type kafkaRestRecord struct {
	Key   string `json:"key"`
	Value Event  `json:"value"`
}

type kafkaRestBody struct {
	Records []kafkaRestRecord `json:"records"`
}

// NewKafkaRestSink builds an HTTP client for cfg, dialing through the SOCKS
// proxy when one is configured.
func NewKafkaRestSink(cfg config.KafkaRestConfig, socks config.SOCKSConfig) (*KafkaRestSink, error) {
	if cfg.Address == "" || cfg.Topic == "" {
		return nil, fmt.Errorf("KafkaRest journal needs an address and a topic")
	}

	transport := &http.Transport{}
	if socks.Enabled() {
		dial, err := network.ContextDialer(socks.Host, socks.Port)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer for KafkaRest: %w", err)
		}
		transport.DialContext = dial
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &KafkaRestSink{
		client:     &http.Client{Transport: transport, Timeout: timeout},
		url:        fmt.Sprintf("%s/topics/%s", ensureHTTPScheme(cfg.Address), cfg.Topic),
		retryDelay: kafkaRestRetryDelay,
	}, nil
}

func (s *KafkaRestSink) Write(ctx context.Context, ev Event) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return fmt.Errorf("journal is closed")
	}

	body, err := json.Marshal(kafkaRestBody{Records: []kafkaRestRecord{{Key: ev.Host, Value: ev}}})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= kafkaRestRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.retryDelay):
			}
		}
		if lastErr = s.post(ctx, body); lastErr == nil {
			return nil
		}
		log := logger.WithComponent("journal")
		log.Warn().
			Err(lastErr).
			Int("attempt", attempt+1).
			Msg("KafkaRest post failed")
	}
	return fmt.Errorf("KafkaRest post failed after %d retries: %w", kafkaRestRetries, lastErr)
}

func (s *KafkaRestSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", kafkaRestContentType)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("KafkaRest returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func (s *KafkaRestSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.client.CloseIdleConnections()
	}
	return nil
}

func ensureHTTPScheme(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}
