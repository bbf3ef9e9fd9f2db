package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/chainsync-labs/tx-indexer/pkg/model"
)

// fakeBatchStream replays a fixed sequence of batches then fails (or ends)
// with a configured terminal error.
type fakeBatchStream struct {
	batches []model.Batch
	idx     int
	endErr  error
}

func (s *fakeBatchStream) Recv(ctx context.Context) (model.Batch, error) {
	if s.idx < len(s.batches) {
		b := s.batches[s.idx]
		s.idx++
		return b, nil
	}
	return model.Batch{}, s.endErr
}

func (s *fakeBatchStream) Close() error { return nil }

// fakeTransport returns a scripted sequence of BatchStreams (or errors) on
// successive Subscribe calls, modeling a transport that fails transiently
// before eventually succeeding, or always succeeding.
type fakeTransport struct {
	streams []BatchStream
	errs    []error
	call    int
}

func (t *fakeTransport) Subscribe(ctx context.Context, req Request) (BatchStream, error) {
	i := t.call
	t.call++
	if i < len(t.errs) && t.errs[i] != nil {
		return nil, t.errs[i]
	}
	if i < len(t.streams) {
		return t.streams[i], nil
	}
	return &fakeBatchStream{endErr: model.ErrEndOfStream}, nil
}

func oneTxnBatch(first, last model.Version) model.Batch {
	txns := make([]model.Transaction, 0, last-first+1)
	for v := first; v <= last; v++ {
		txns = append(txns, model.Transaction{Version: v})
	}
	return model.Batch{FirstVersion: first, LastVersion: last, Transactions: txns}
}

func TestFetcherEmitsBatchesInOrderAndEndsGracefully(t *testing.T) {
	end := model.Version(199)
	transport := &fakeTransport{
		streams: []BatchStream{
			&fakeBatchStream{batches: []model.Batch{oneTxnBatch(0, 99), oneTxnBatch(100, 199)}, endErr: model.ErrEndOfStream},
		},
	}
	f := New(transport, Config{ChannelCapacity: 4, EndingVersion: &end}, nil, zerolog.Nop())

	out, errCh := f.Run(context.Background(), 0)

	var got []model.Batch
	for b := range out {
		got = append(got, b)
	}
	require.NoError(t, <-errCh)
	require.Len(t, got, 2)
	require.Equal(t, model.Version(0), got[0].FirstVersion)
	require.Equal(t, model.Version(199), got[1].LastVersion)
}

func TestFetcherReconnectsWithinBudget(t *testing.T) {
	transport := &fakeTransport{
		errs: []error{errors.New("transient: connection reset"), nil},
		streams: []BatchStream{
			nil,
			&fakeBatchStream{batches: []model.Batch{oneTxnBatch(0, 9)}, endErr: model.ErrEndOfStream},
		},
	}
	end := model.Version(9)
	f := New(transport, Config{ChannelCapacity: 4, ReconnectBudget: 5, ReconnectWindow: time.Minute, EndingVersion: &end}, nil, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, errCh := f.Run(ctx, 0)
	var got []model.Batch
	for b := range out {
		got = append(got, b)
	}
	require.NoError(t, <-errCh)
	require.Len(t, got, 1)
}

func TestFetcherExhaustedReconnectBudgetIsFatal(t *testing.T) {
	persistentErr := errors.New("transient: always fails")
	errs := make([]error, 10)
	for i := range errs {
		errs[i] = persistentErr
	}
	transport := &fakeTransport{errs: errs}

	f := New(transport, Config{ChannelCapacity: 4, ReconnectBudget: 2, ReconnectWindow: time.Minute}, nil, zerolog.Nop())
	// start from an empty reconnect window: with a budget of 2 the fetcher
	// sleeps through two 1s reconnect waits before the third failure is fatal
	f.reconnectTimes = nil

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, errCh := f.Run(ctx, 0)
	for range out {
	}
	err := <-errCh
	require.Error(t, err)
}

func TestFetcherPermanentUpstreamErrorIsFatalWithoutReconnecting(t *testing.T) {
	permErr := &model.PermanentUpstreamError{Cause: errors.New("unauthenticated")}
	transport := &fakeTransport{errs: []error{permErr}}

	f := New(transport, Config{ChannelCapacity: 4, ReconnectBudget: 5, ReconnectWindow: time.Minute}, nil, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, errCh := f.Run(ctx, 0)
	for range out {
	}
	err := <-errCh
	require.Error(t, err)
	require.ErrorAs(t, err, new(*model.PermanentUpstreamError))
	require.Equal(t, 1, transport.call, "fetcher must not reconnect after a permanent upstream error")
}
