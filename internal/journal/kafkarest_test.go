package journal

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"vmservice/internal/config"
)

func newTestKafkaRestSink(t *testing.T, handler http.HandlerFunc) *KafkaRestSink {
	t.Helper()
	server := httptest.NewServer(handler)
	s, err := NewKafkaRestSink(config.KafkaRestConfig{
		Address: server.URL,
		Topic:   "vm-service-lifecycle",
		Timeout: 2 * time.Second,
	}, config.SOCKSConfig{})
	if err != nil {
		t.Fatalf("failed to create KafkaRestSink: %v", err)
	}
	s.retryDelay = time.Millisecond
	t.Cleanup(func() {
		s.Close()
		server.Close()
	})
	return s
}

func TestKafkaRestSink_Write_Success(t *testing.T) {
	var path, contentType string
	var body kafkaRestBody
	s := newTestKafkaRestSink(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		contentType = r.Header.Get("Content-Type")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		w.WriteHeader(http.StatusOK)
	})

	if err := s.Write(context.Background(), Event{Host: "host-a", Phase: "running"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "/topics/vm-service-lifecycle" {
		t.Errorf("path = %q", path)
	}
	if contentType != "application/vnd.kafka.json.v2+json" {
		t.Errorf("Content-Type = %q", contentType)
	}
	if len(body.Records) != 1 || body.Records[0].Key != "host-a" || body.Records[0].Value.Phase != "running" {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestKafkaRestSink_Write_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	s := newTestKafkaRestSink(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	if err := s.Write(context.Background(), Event{Phase: "absent"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestKafkaRestSink_Write_GivesUp(t *testing.T) {
	var calls atomic.Int32
	s := newTestKafkaRestSink(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	if err := s.Write(context.Background(), Event{}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != kafkaRestRetries+1 {
		t.Errorf("calls = %d, want %d", calls.Load(), kafkaRestRetries+1)
	}
}

func TestKafkaRestSink_WriteAfterClose(t *testing.T) {
	s := newTestKafkaRestSink(t, func(w http.ResponseWriter, r *http.Request) {})
	s.Close()
	if err := s.Write(context.Background(), Event{}); err == nil {
		t.Error("expected error after Close")
	}
}

func TestNewKafkaRestSink_RequiresAddressAndTopic(t *testing.T) {
	if _, err := NewKafkaRestSink(config.KafkaRestConfig{Topic: "t"}, config.SOCKSConfig{}); err == nil {
		t.Error("expected error without address")
	}
	if _, err := NewKafkaRestSink(config.KafkaRestConfig{Address: "localhost:8082"}, config.SOCKSConfig{}); err == nil {
		t.Error("expected error without topic")
	}
}

func TestEnsureHTTPScheme(t *testing.T) {
	tests := map[string]string{
		"localhost:8082":        "http://localhost:8082",
		"http://proxy:8082":     "http://proxy:8082",
		"https://proxy.example": "https://proxy.example",
	}
	for in, want := range tests {
		if got := ensureHTTPScheme(in); got != want {
			t.Errorf("ensureHTTPScheme(%q) = %q, want %q", in, got, want)
		}
	}
}
