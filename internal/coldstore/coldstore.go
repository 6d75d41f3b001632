// Package coldstore persists warm-tier evictions. The hot path never waits
// on it; a sink that errors loses data and increments a counter, nothing
// more.
package coldstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adiibanez/sensocto-sub012/internal/metrics"
	"github.com/adiibanez/sensocto-sub012/internal/sensor"
)

// NopSink discards everything. Used when no cold storage is configured.
type NopSink struct{}

// Append drops the batch.
func (NopSink) Append(string, []sensor.Measurement) error { return nil }

// NATSConfig sizes the JetStream stream backing the sink.
type NATSConfig struct {
	URL           string
	StreamName    string
	SubjectPrefix string
	MaxAge        time.Duration
	MaxMsgs       int64
	MaxBytes      int64
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.StreamName == "" {
		c.StreamName = "SENSOCTO_COLD"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "sensocto.cold"
	}
	if c.MaxAge == 0 {
		c.MaxAge = 24 * time.Hour
	}
	return c
}

// NATSSink appends evicted measurements to a JetStream stream, one message
// per batch, subject sensocto.cold.<sensor_id>.
type NATSSink struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	cfg    NATSConfig
	logger zerolog.Logger
}

// NewNATSSink connects and ensures the stream exists.
func NewNATSSink(cfg NATSConfig, logger zerolog.Logger) (*NATSSink, error) {
	cfg = cfg.withDefaults()
	log := logger.With().Str("component", "coldstore").Logger()

	nc, err := nats.Connect(cfg.URL, nats.MaxReconnects(5), nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to initialize jetstream: %w", err)
	}

	if _, err := js.StreamInfo(cfg.StreamName); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     cfg.StreamName,
			Subjects: []string{cfg.SubjectPrefix + ".>"},
			Storage:  nats.FileStorage,
			MaxAge:   cfg.MaxAge,
			MaxMsgs:  cfg.MaxMsgs,
			MaxBytes: cfg.MaxBytes,
			Discard:  nats.DiscardOld,
			Replicas: 1,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create stream: %w", err)
		}
		log.Info().Str("stream", cfg.StreamName).Msg("Created cold storage stream")
	} else {
		log.Info().Str("stream", cfg.StreamName).Msg("Cold storage stream exists")
	}

	return &NATSSink{nc: nc, js: js, cfg: cfg, logger: log}, nil
}

// Append publishes the batch asynchronously. Errors are logged and counted;
// the caller is an actor mid-ingest and must not stall.
func (s *NATSSink) Append(sensorID string, ms []sensor.Measurement) error {
	data, err := json.Marshal(ms)
	if err != nil {
		metrics.ColdstoreErrors.Inc()
		return err
	}
	subject := s.cfg.SubjectPrefix + "." + sensorID
	if _, err := s.js.PublishAsync(subject, data); err != nil {
		metrics.ColdstoreErrors.Inc()
		s.logger.Warn().Err(err).Str("sensor_id", sensorID).Int("count", len(ms)).Msg("Cold storage append failed")
		return err
	}
	metrics.ColdstoreAppends.Inc()
	return nil
}

// Close flushes pending publishes and drops the connection.
func (s *NATSSink) Close() {
	select {
	case <-s.js.PublishAsyncComplete():
	case <-time.After(2 * time.Second):
		s.logger.Warn().Msg("Timed out waiting for pending cold storage publishes")
	}
	s.nc.Close()
}
