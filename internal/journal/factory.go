package journal

import (
	"fmt"
	"strings"

	"vmservice/internal/config"
	"vmservice/internal/logger"
)

// NewSink creates the Sink selected by cfg.Type.
func NewSink(cfg config.JournalConfig, socks config.SOCKSConfig) (Sink, error) {
	kind := strings.ToLower(cfg.Type)
	if kind == "" {
		kind = "file"
	}
	log := logger.WithComponent("journal")
	log.Info().Str("journal_type", kind).Msg("Creating journal sink")

	switch kind {
	case "file":
		return NewFileSink(cfg.File)
	case "kafka":
		return NewKafkaSink(cfg.Kafka, socks)
	case "kafkarest":
		return NewKafkaRestSink(cfg.KafkaRest, socks)
	case "none":
		return NopSink{}, nil
	default:
		return nil, fmt.Errorf("unknown journal type: %s (supported: file, kafka, kafkarest, none)", cfg.Type)
	}
}
