package tracker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/chainsync-labs/tx-indexer/pkg/model"
)

// CheckpointWriter is the subset of internal/checkpoint.Store the
// Checkpointer needs, kept as an interface so the tracker package does not
// import the checkpoint package directly.
type CheckpointWriter interface {
	WriteLastProcessedVersion(processorName string, version model.Version, lastTxnTimestamp *time.Time) error
}

// WatermarkNotifier is the subset of internal/notify.Publisher the
// Checkpointer needs. It is best-effort: Checkpointer never fails its run
// loop because a notification failed to send.
type WatermarkNotifier interface {
	Publish(ctx context.Context, processorName string, version model.Version, lastTxnTimestamp *time.Time)
}

// Checkpointer drains a channel of Results and persists the watermark to a
// CheckpointWriter at a minimum interval, mirroring
// create_version_tracker_loop's UPDATE_PROCESSOR_STATUS_SECS cadence. A nil
// notifier disables the optional best-effort watermark broadcast.
type Checkpointer struct {
	processorName string
	writer        CheckpointWriter
	notifier      WatermarkNotifier
	minInterval   time.Duration
	logger        zerolog.Logger
}

// NewCheckpointer builds a Checkpointer for processorName, writing through
// writer no more often than minInterval (recommended default 1s).
func NewCheckpointer(processorName string, writer CheckpointWriter, notifier WatermarkNotifier, minInterval time.Duration, logger zerolog.Logger) *Checkpointer {
	return &Checkpointer{
		processorName: processorName,
		writer:        writer,
		notifier:      notifier,
		minInterval:   minInterval,
		logger:        logger,
	}
}

// Run drains results until ctx is cancelled or the channel closes,
// persisting last_success_version no more often than minInterval.
func (c *Checkpointer) Run(ctx context.Context, results <-chan Result) error {
	var lastWrite time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-results:
			if !ok {
				return nil
			}
			if res.LastSuccessVersion == nil {
				continue
			}
			if time.Since(lastWrite) < c.minInterval {
				continue
			}
			if err := c.writer.WriteLastProcessedVersion(c.processorName, *res.LastSuccessVersion, res.LastSuccessTimestamp); err != nil {
				c.logger.Error().Err(err).Msg("failed to persist watermark")
				return err
			}
			if c.notifier != nil {
				c.notifier.Publish(ctx, c.processorName, *res.LastSuccessVersion, res.LastSuccessTimestamp)
			}
			lastWrite = time.Now()
		}
	}
}
