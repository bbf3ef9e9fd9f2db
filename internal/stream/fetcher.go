package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/chainsync-labs/tx-indexer/internal/metrics"
	"github.com/chainsync-labs/tx-indexer/pkg/model"
)

// Config holds the Fetcher's tunables, matching the recommended defaults in
// the component design: B=50, R=5 reconnects per T=60s window.
type Config struct {
	ChannelCapacity int
	ReconnectBudget int
	ReconnectWindow time.Duration
	AuthToken       string
	ClientName      string
	EndingVersion   *model.Version
}

// Fetcher is a bounded producer that pulls batches from a Transport and
// pushes them to a channel in strict version order, reconnecting within a
// bounded budget on transient failure. Grounded on create_fetcher_loop in
// sdk/src/stream_subscriber/grpc.rs.
type Fetcher struct {
	transport Transport
	cfg       Config
	metrics   *metrics.Registry
	logger    zerolog.Logger

	reconnectTimes []time.Time
}

// New constructs a Fetcher. A zero Config.ChannelCapacity defaults to 50,
// matching the recommended default.
func New(transport Transport, cfg Config, reg *metrics.Registry, logger zerolog.Logger) *Fetcher {
	if cfg.ChannelCapacity <= 0 {
		cfg.ChannelCapacity = 50
	}
	if cfg.ReconnectBudget <= 0 {
		cfg.ReconnectBudget = 5
	}
	if cfg.ReconnectWindow <= 0 {
		cfg.ReconnectWindow = 60 * time.Second
	}
	return &Fetcher{transport: transport, cfg: cfg, metrics: reg, logger: logger}
}

// Run starts a goroutine that pulls batches starting at startingVersion and
// pushes them to the returned batch channel until ctx is cancelled, the
// ending version is reached, or the reconnect budget is exhausted, and
// returns both channels immediately. When the goroutine stops, its terminal
// error (nil on graceful end-of-stream) is sent on the buffered error
// channel and then the batch channel is closed, so a caller can read the
// error after draining the batches.
func (f *Fetcher) Run(ctx context.Context, startingVersion model.Version) (<-chan model.Batch, <-chan error) {
	out := make(chan model.Batch, f.cfg.ChannelCapacity)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		errCh <- f.run(ctx, startingVersion, out)
		close(errCh)
	}()

	return out, errCh
}

func (f *Fetcher) run(ctx context.Context, startingVersion model.Version, out chan<- model.Batch) error {
	nextUnemitted := startingVersion

	for {
		if f.cfg.EndingVersion != nil && nextUnemitted > *f.cfg.EndingVersion {
			return nil
		}

		batchStream, err := f.transport.Subscribe(ctx, Request{
			StartingVersion: nextUnemitted,
			EndingVersion:   f.cfg.EndingVersion,
			AuthToken:       f.cfg.AuthToken,
			ClientName:      f.cfg.ClientName,
		})
		if err != nil {
			if isPermanentUpstreamError(err) {
				f.logger.Error().Err(err).Msg("stream fetcher: permanent upstream error, not reconnecting")
				return err
			}
			if reconnectErr := f.awaitReconnectBudget(ctx, err); reconnectErr != nil {
				return reconnectErr
			}
			continue
		}

		nextUnemitted, err = f.drain(ctx, batchStream, out, nextUnemitted)
		batchStream.Close()

		if err == nil {
			continue // upstream closed cleanly without an ending_version; reconnect and resume
		}
		if errors.Is(err, model.ErrEndOfStream) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isPermanentUpstreamError(err) {
			f.logger.Error().Err(err).Msg("stream fetcher: permanent upstream error, not reconnecting")
			return err
		}

		if reconnectErr := f.awaitReconnectBudget(ctx, err); reconnectErr != nil {
			return reconnectErr
		}
	}
}

// isPermanentUpstreamError reports whether err (or anything it wraps) is a
// *model.PermanentUpstreamError, per the error taxonomy's "Permanent
// upstream error is immediately fatal, never reconnect-eligible" rule.
func isPermanentUpstreamError(err error) bool {
	var permErr *model.PermanentUpstreamError
	return errors.As(err, &permErr)
}

// drain reads batches from one subscription until it ends or errors,
// pushing each to out (which applies back-pressure when full) and
// returning the next version to resume from on a later reconnect.
func (f *Fetcher) drain(ctx context.Context, bs BatchStream, out chan<- model.Batch, nextUnemitted model.Version) (model.Version, error) {
	for {
		batch, err := bs.Recv(ctx)
		if err != nil {
			return nextUnemitted, err
		}

		select {
		case out <- batch:
		case <-ctx.Done():
			return nextUnemitted, ctx.Err()
		}

		if f.metrics != nil {
			f.metrics.BatchesFetched.Inc()
			f.metrics.ChannelDepth.Set(float64(len(out)))
		}
		nextUnemitted = batch.LastVersion + 1

		if f.cfg.EndingVersion != nil && nextUnemitted > *f.cfg.EndingVersion {
			return nextUnemitted, model.ErrEndOfStream
		}
	}
}

// awaitReconnectBudget records a reconnect attempt against the sliding
// (R, T) window and either sleeps before the next attempt or returns a
// fatal error if the budget is exhausted, matching
// MIN_SEC_BETWEEN_GRPC_RECONNECTS generalized to the spec's explicit
// R-per-T budget.
func (f *Fetcher) awaitReconnectBudget(ctx context.Context, cause error) error {
	now := time.Now()

	cutoff := now.Add(-f.cfg.ReconnectWindow)
	kept := f.reconnectTimes[:0]
	for _, t := range f.reconnectTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	f.reconnectTimes = kept

	if len(f.reconnectTimes) >= f.cfg.ReconnectBudget {
		return fmt.Errorf("stream: exceeded %d reconnects within %s: %w", f.cfg.ReconnectBudget, f.cfg.ReconnectWindow, cause)
	}

	f.reconnectTimes = append(f.reconnectTimes, now)
	if f.metrics != nil {
		f.metrics.FetcherReconnects.Inc()
	}
	f.logger.Warn().Err(cause).Msg("stream fetcher reconnecting")

	select {
	case <-time.After(time.Second):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
