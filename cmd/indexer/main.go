// Command indexer runs the transaction indexing pipeline: it streams
// transaction batches from an upstream, fans them out to parallel
// extraction tasks in version order, decomposes every batch into its
// record families, and persists those records to a relational sink and a
// columnar object-store sink while reassembling both sinks'
// acknowledgements into a single crash-safe watermark.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/chainsync-labs/tx-indexer/internal/checkpoint"
	"github.com/chainsync-labs/tx-indexer/internal/dispatcher"
	"github.com/chainsync-labs/tx-indexer/internal/extractor"
	"github.com/chainsync-labs/tx-indexer/internal/logging"
	"github.com/chainsync-labs/tx-indexer/internal/metrics"
	"github.com/chainsync-labs/tx-indexer/internal/notify"
	"github.com/chainsync-labs/tx-indexer/internal/parquetbuffer"
	"github.com/chainsync-labs/tx-indexer/internal/sink"
	"github.com/chainsync-labs/tx-indexer/internal/stream"
	"github.com/chainsync-labs/tx-indexer/internal/tracker"
	"github.com/chainsync-labs/tx-indexer/pkg/config"
	"github.com/chainsync-labs/tx-indexer/pkg/model"
)

func main() {
	logger := logging.New("tx-indexer")
	logger.Info().Msg("starting transaction indexer")

	cfg, err := config.Load(logger, "config.toml")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.UpdateLevel(cfg.Logging.Level, logger)

	reg := metrics.New()

	checkpointStore, err := checkpoint.Open(cfg.Checkpoint.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open checkpoint store")
	}
	defer checkpointStore.Close()
	logger.Info().Str("path", cfg.Checkpoint.DBPath).Msg("checkpoint store opened")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var notifier *notify.Publisher
	if cfg.Notify.URL != "" {
		notifier, err = notify.NewPublisher(cfg.Notify.URL, cfg.Notify.PersistFor, cfg.Notify.SubjectPrefix, *logger)
		if err != nil {
			logger.Warn().Err(err).Msg("watermark notifier disabled: failed to connect")
		} else {
			defer notifier.Close()
		}
	}

	pgPool, err := pgxpool.New(ctx, cfg.Relational.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to relational sink")
	}
	defer pgPool.Close()
	relational := sink.NewRelational(pgPool, logging.Component(logger, "relational_sink"))

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load AWS config")
	}
	s3Client := s3.NewFromConfig(awsCfg)
	uploader := parquetbuffer.NewS3Uploader(s3Client, cfg.Parquet.Bucket, cfg.Parquet.Root, cfg.Parquet.UploadTimeout)

	startingVersion := model.Version(cfg.Upstream.StartingVersion)
	if row, err := checkpointStore.ReadRow(cfg.ProcessorName); err != nil {
		logger.Fatal().Err(err).Msg("failed to read checkpoint row")
	} else if row != nil {
		startingVersion = row.LastSuccessVersion + 1
		logger.Info().Uint64("resume_from", uint64(startingVersion)).Msg("resuming from checkpoint")
	}

	trk := tracker.New(startingVersion, cfg.NumSinks)
	results := make(chan tracker.Result, cfg.Upstream.ChannelCapacity)
	hub := &trackerHub{trk: trk, results: results}

	parquetMgr := parquetbuffer.New(
		parquetbuffer.Config{MaxBufferBytes: cfg.Parquet.MaxBufferBytes, PollInterval: cfg.Parquet.PollInterval},
		uploader,
		hub,
		reg,
		logging.Component(logger, "parquet_buffer"),
	)
	columnar := sink.NewColumnar(parquetMgr)

	ext := extractor.New(cfg.ProcessorName, []sink.Sink{relational, columnar}, logging.Component(logger, "extractor"))

	extract := func(ctx context.Context, batch model.Batch) (model.ProcessingResult, error) {
		result, err := ext.Process(ctx, batch)
		if err != nil {
			reg.ExtractionFailures.WithLabelValues(ext.Name()).Inc()
			return result, err
		}
		if err := hub.process(tracker.Event{
			Kind:          tracker.Partial,
			Start:         result.StartVersion,
			End:           result.EndVersion,
			LastTimestamp: result.LastTimestamp,
		}); err != nil {
			return result, fmt.Errorf("relational ack rejected by tracker: %w", err)
		}
		return result, nil
	}

	disp := dispatcher.New(
		dispatcher.Config{
			ProcessorName:   cfg.ProcessorName,
			Concurrency:     cfg.Dispatcher.Concurrency,
			StartingVersion: startingVersion,
		},
		checkpointStore,
		extract,
		reg,
		logging.Component(logger, "dispatcher"),
	)

	transport, transportConn := mustDialTransport(ctx, cfg.Upstream.Endpoint, cfg.Upstream.AuthToken, cfg.Upstream.ClientName, logger)
	defer transportConn.Close()

	fetcher := stream.New(
		transport,
		stream.Config{
			ChannelCapacity: cfg.Upstream.ChannelCapacity,
			ReconnectBudget: cfg.Upstream.ReconnectBudget,
			ReconnectWindow: cfg.Upstream.ReconnectWindow,
			AuthToken:       cfg.Upstream.AuthToken,
			ClientName:      cfg.Upstream.ClientName,
		},
		reg,
		logging.Component(logger, "fetcher"),
	)
	batches, fetchErrs := fetcher.Run(ctx, startingVersion)

	checkpointer := tracker.NewCheckpointer(cfg.ProcessorName, checkpointStore, notifierAdapter{notifier}, cfg.Checkpoint.MinWriteInterval, logging.Component(logger, "checkpointer"))

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- checkpointer.Run(ctx, results)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		parquetMgr.RunPoller(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- disp.Run(ctx, batches, func(b model.Batch) model.ChainID { return b.ChainID })
	}()

	metricsServer := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{})}
	go func() {
		logger.Info().Str("address", cfg.Metrics.ListenAddr).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	// fetchErrs' terminal value arrives as soon as the fetcher stops
	// producing, which can be well before the Dispatcher has drained the
	// batches already sitting in the channel. Only sigChan and errCh (the
	// Dispatcher's and Checkpointer's own completions) gate shutdown;
	// the fetch result is captured separately and folded into the exit
	// code afterward, never used to trigger cancel() directly.
	var fetchErrMu sync.Mutex
	var fetchErr error
	fetchDone := make(chan struct{})
	go func() {
		defer close(fetchDone)
		err := <-fetchErrs
		fetchErrMu.Lock()
		fetchErr = err
		fetchErrMu.Unlock()
		if err != nil {
			logger.Error().Err(err).Msg("stream fetcher terminated with error")
		} else {
			logger.Info().Msg("stream fetcher reached end of stream")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var exitErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("pipeline component failed")
			exitErr = err
		}
	}

	logger.Info().Msg("shutting down")
	cancel()

	if err := parquetMgr.Cleanup(context.Background()); err != nil {
		logger.Error().Err(err).Msg("failed to flush remaining parquet buffers")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}

	wg.Wait()

	select {
	case <-fetchDone:
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("timed out waiting for stream fetcher to finish shutting down")
	}
	fetchErrMu.Lock()
	if exitErr == nil && fetchErr != nil {
		exitErr = fetchErr
	}
	fetchErrMu.Unlock()

	logger.Info().Msg("shutdown complete")

	if exitErr != nil {
		if model.IsFatal(exitErr) {
			logger.Error().Err(exitErr).Msg("pipeline stopped due to a fatal protocol violation")
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// trackerHub serializes access to the single, not-concurrency-safe Tracker
// across the dispatcher's relational acknowledgements and the parquet
// buffer's asynchronous flush acknowledgements, and fans every processed
// Result out to the checkpointer.
type trackerHub struct {
	mu      sync.Mutex
	trk     *tracker.Tracker
	results chan<- tracker.Result
}

func (h *trackerHub) process(ev tracker.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	res, err := h.trk.Process(ev)
	if err != nil {
		return err
	}
	h.results <- res
	return nil
}

// Process implements parquetbuffer.Notifier, translating a columnar flush
// acknowledgement into a Partial tracker event.
func (h *trackerHub) Process(ev parquetbuffer.TrackerEvent) error {
	return h.process(tracker.Event{Kind: tracker.Partial, Start: ev.Start, End: ev.End, LastTimestamp: ev.LastTimestamp})
}

// notifierAdapter lets a possibly-nil *notify.Publisher satisfy
// tracker.WatermarkNotifier without every call site checking for nil.
type notifierAdapter struct {
	pub *notify.Publisher
}

func (n notifierAdapter) Publish(ctx context.Context, processorName string, version model.Version, lastTimestamp *time.Time) {
	if n.pub == nil {
		return
	}
	n.pub.Publish(ctx, processorName, version, lastTimestamp)
}

func mustDialTransport(ctx context.Context, endpoint, authToken, clientName string, logger *zerolog.Logger) (stream.Transport, io.Closer) {
	client, conn, err := stream.DialRawDataClient(ctx, endpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to dial upstream transport")
	}
	return stream.NewGRPCTransport(client, conn, authToken, clientName), conn
}
