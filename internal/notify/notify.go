// Package notify publishes best-effort watermark notifications to NATS
// JetStream after every checkpoint write. It never gates the pipeline: a
// publish failure is logged and swallowed rather than propagated, since
// the checkpoint store (not this stream) is the durable source of truth
// for the watermark. Grounded on internal/nats/publisher.go's connection
// and JetStream setup, generalized from per-event publishing to
// per-watermark publishing.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/chainsync-labs/tx-indexer/pkg/model"
)

const (
	streamName           = "TX_INDEXER_WATERMARKS"
	streamSubjectPattern = "TX_INDEXER.WATERMARK.*"
	streamCreateTimeout  = 10 * time.Second
)

// Watermark is the payload published after a processor's checkpoint is
// durably written.
type Watermark struct {
	ProcessorName      string        `json:"processor_name"`
	LastSuccessVersion model.Version `json:"last_success_version"`
	LastTimestamp      time.Time     `json:"last_timestamp"`
}

// Publisher is a best-effort JetStream watermark publisher.
type Publisher struct {
	js     jetstream.JetStream
	nc     *nats.Conn
	logger zerolog.Logger
	prefix string
}

// NewPublisher connects to NATS and ensures the watermark stream exists.
func NewPublisher(natsURL string, retention time.Duration, subjectPrefix string, logger zerolog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("tx-indexer"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error().Err(err).Msg("notify: nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("notify: nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("notify: failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), streamCreateTimeout)
	defer cancel()

	if retention <= 0 {
		retention = 24 * time.Hour
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{streamSubjectPattern},
		MaxAge:    retention,
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("notify: failed to create stream: %w", err)
	}

	if subjectPrefix == "" {
		subjectPrefix = "TX_INDEXER.WATERMARK"
	}

	logger.Info().Str("stream", streamName).Msg("watermark publisher initialized")
	return &Publisher{js: js, nc: nc, logger: logger, prefix: subjectPrefix}, nil
}

// Publish sends a watermark for processorName to the stream. Failures are
// logged and swallowed; this method satisfies
// internal/tracker.WatermarkNotifier, so a checkpointer run loop never
// treats a notification failure as fatal.
func (p *Publisher) Publish(ctx context.Context, processorName string, version model.Version, lastTimestamp *time.Time) {
	w := Watermark{ProcessorName: processorName, LastSuccessVersion: version}
	if lastTimestamp != nil {
		w.LastTimestamp = *lastTimestamp
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, w.ProcessorName)

	data, err := json.Marshal(w)
	if err != nil {
		p.logger.Error().Err(err).Msg("notify: failed to marshal watermark")
		return
	}

	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		p.logger.Warn().
			Err(err).
			Str("subject", subject).
			Uint64("last_success_version", uint64(w.LastSuccessVersion)).
			Msg("notify: failed to publish watermark, continuing")
	}
}

// Close closes the underlying NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
