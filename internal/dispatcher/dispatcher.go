// Package dispatcher implements the parallel processor with ordered
// commit: it drains the Stream Fetcher's channel, runs up to N concurrent
// extraction tasks per round on adjacent batches, and commits a round only
// once every task in it has succeeded and the results form a contiguous
// range. Grounded line-for-line on the Dispatcher in
// framework/aptos-processor-framework/src/dispatcher/mod.rs, expressed with
// goroutines and sync.WaitGroup the way the teacher's syncer.processBatch
// worker pool does.
package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chainsync-labs/tx-indexer/internal/metrics"
	"github.com/chainsync-labs/tx-indexer/pkg/model"
)

// ChainIDStore is the subset of internal/checkpoint.Store the Dispatcher
// needs to resolve the persisted chain id on first admission.
type ChainIDStore interface {
	ReadChainID(processorName string) (*model.ChainID, error)
	WriteChainID(processorName string, chainID model.ChainID) error
}

// ExtractionFunc processes one admitted batch and delivers its records to
// every registered sink. The Dispatcher treats it as opaque beyond its
// returned range and error, matching the Domain Extractor contract.
type ExtractionFunc func(ctx context.Context, batch model.Batch) (model.ProcessingResult, error)

// Config holds the Dispatcher's tunables.
type Config struct {
	ProcessorName         string
	Concurrency           int // N: max extraction tasks admitted per round
	StartingVersion       model.Version
}

// Dispatcher drains a channel of batches and commits rounds in version
// order. It is not safe for concurrent use by multiple goroutines; one
// Dispatcher owns Run's loop exclusively.
type Dispatcher struct {
	cfg      Config
	chainIDs ChainIDStore
	extract  ExtractionFunc
	metrics  *metrics.Registry
	logger   zerolog.Logger

	chainID *model.ChainID
}

// New constructs a Dispatcher. extract is invoked once per admitted batch,
// in its own goroutine, and must itself be safe for concurrent invocation.
func New(cfg Config, chainIDs ChainIDStore, extract ExtractionFunc, reg *metrics.Registry, logger zerolog.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	return &Dispatcher{
		cfg:      cfg,
		chainIDs: chainIDs,
		extract:  extract,
		metrics:  reg,
		logger:   logger,
	}
}

// admittedBatch pairs a batch with the channel item's chain id for the
// per-round chain-id resolution step.
type admittedBatch struct {
	chainID model.ChainID
	batch   model.Batch
}

// Run drains batches until ctx is cancelled or the channel closes. A closed
// channel with no batches in flight is graceful end-of-stream (nil error);
// any protocol violation or extraction failure is returned as a fatal
// error, matching the error taxonomy's "fail fast" recovery model.
func (d *Dispatcher) Run(ctx context.Context, batches <-chan model.Batch, chainIDOf func(model.Batch) model.ChainID) error {
	expectedNext := d.cfg.StartingVersion

	for {
		round, err := d.admitRound(ctx, batches, chainIDOf, expectedNext)
		if err != nil {
			return err
		}
		if len(round) == 0 {
			// Channel closed with nothing admitted this round: graceful end-of-stream.
			return nil
		}

		started := time.Now()
		results, err := d.extractRound(ctx, round)
		if err != nil {
			return err
		}

		lastEnd, err := commitRound(results)
		if err != nil {
			return err
		}
		expectedNext = lastEnd + 1

		if d.metrics != nil {
			d.metrics.RoundsProcessed.Inc()
			d.metrics.RoundDuration.Observe(time.Since(started).Seconds())
		}
		d.logger.Info().
			Uint64("batch_start", uint64(round[0].batch.FirstVersion)).
			Uint64("batch_end", uint64(lastEnd)).
			Int("task_count", len(round)).
			Msg("processed transaction batches")
	}
}

// admitRound implements the batch admission algorithm: the first task
// blocks, up to Concurrency-1 more try-receive, and every admitted batch is
// checked for chain-id agreement and version contiguity against
// expectedNext before the round is handed to extraction.
func (d *Dispatcher) admitRound(ctx context.Context, batches <-chan model.Batch, chainIDOf func(model.Batch) model.ChainID, expectedNext model.Version) ([]admittedBatch, error) {
	var round []admittedBatch

	for taskIndex := 0; taskIndex < d.cfg.Concurrency; taskIndex++ {
		var batch model.Batch
		var ok bool

		if taskIndex == 0 {
			select {
			case batch, ok = <-batches:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if !ok {
				return nil, nil
			}
		} else {
			select {
			case batch, ok = <-batches:
				if !ok {
					return round, nil
				}
			default:
				return round, nil
			}
		}

		chainID := chainIDOf(batch)
		if err := d.resolveChainID(chainID); err != nil {
			return nil, err
		}

		if batch.FirstVersion != expectedNext {
			return nil, &model.GapError{Expected: expectedNext, Got: batch.FirstVersion}
		}
		expectedNext = batch.LastVersion + 1

		round = append(round, admittedBatch{chainID: chainID, batch: batch})
	}

	return round, nil
}

// resolveChainID checks the batch's chain id against the persisted one on
// first admission, persisting it if this is a fresh processor, matching
// check_or_update_chain_id.
func (d *Dispatcher) resolveChainID(observed model.ChainID) error {
	if d.chainID != nil {
		if *d.chainID != observed {
			return &model.ChainMismatchError{Persisted: *d.chainID, Observed: observed}
		}
		return nil
	}

	persisted, err := d.chainIDs.ReadChainID(d.cfg.ProcessorName)
	if err != nil {
		return fmt.Errorf("dispatcher: failed to read persisted chain id: %w", err)
	}
	if persisted != nil {
		if *persisted != observed {
			return &model.ChainMismatchError{Persisted: *persisted, Observed: observed}
		}
		d.chainID = persisted
		return nil
	}

	if err := d.chainIDs.WriteChainID(d.cfg.ProcessorName, observed); err != nil {
		return fmt.Errorf("dispatcher: failed to persist chain id: %w", err)
	}
	d.chainID = &observed
	return nil
}

// extractRound spawns one goroutine per admitted batch and waits for all of
// them, matching the round's all-tasks-done join. The first extraction
// error observed is returned; extraction failure is always fatal, never a
// silent skip.
func (d *Dispatcher) extractRound(ctx context.Context, round []admittedBatch) ([]model.ProcessingResult, error) {
	results := make([]model.ProcessingResult, len(round))
	errs := make([]error, len(round))

	var wg sync.WaitGroup
	wg.Add(len(round))
	for i, ab := range round {
		i, ab := i, ab
		go func() {
			defer wg.Done()
			res, err := d.extract(ctx, ab.batch)
			results[i] = res
			errs[i] = err
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("dispatcher: extraction task failed: %w", err)
		}
	}
	return results, nil
}

// commitRound sorts the round's results by start version, asserts
// contiguity, and returns the round's max end_version, from which Run
// derives the next expected version. The Dispatcher persists no watermark
// itself; tracker.Checkpointer writes it.
func commitRound(results []model.ProcessingResult) (model.Version, error) {
	sort.Slice(results, func(i, j int) bool { return results[i].StartVersion < results[j].StartVersion })

	for i := 1; i < len(results); i++ {
		prevEnd := results[i-1].EndVersion
		nextStart := results[i].StartVersion
		if prevEnd+1 != nextStart {
			return 0, &model.ContiguityError{PrevEnd: prevEnd, NextStart: nextStart}
		}
	}

	return results[len(results)-1].EndVersion, nil
}
