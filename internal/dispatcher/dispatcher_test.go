package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/chainsync-labs/tx-indexer/pkg/model"
)

// fakeChainIDStore is an in-memory ChainIDStore for tests.
type fakeChainIDStore struct {
	chainID *model.ChainID
}

func (f *fakeChainIDStore) ReadChainID(string) (*model.ChainID, error) { return f.chainID, nil }
func (f *fakeChainIDStore) WriteChainID(_ string, id model.ChainID) error {
	f.chainID = &id
	return nil
}

func makeBatch(chainID model.ChainID, first, last model.Version) model.Batch {
	txns := make([]model.Transaction, 0, last-first+1)
	for v := first; v <= last; v++ {
		txns = append(txns, model.Transaction{Version: v, Kind: model.TransactionUser, User: &model.UserTransactionInfo{}})
	}
	return model.Batch{ChainID: chainID, Transactions: txns, FirstVersion: first, LastVersion: last}
}

func chainIDOf(b model.Batch) model.ChainID { return b.ChainID }

func identityExtract(_ context.Context, batch model.Batch) (model.ProcessingResult, error) {
	return model.ProcessingResult{StartVersion: batch.FirstVersion, EndVersion: batch.LastVersion}, nil
}

func TestDispatcherCommitsContiguousRound(t *testing.T) {
	store := &fakeChainIDStore{}
	d := New(Config{ProcessorName: "proc", Concurrency: 4, StartingVersion: 0}, store, identityExtract, nil, zerolog.Nop())

	ch := make(chan model.Batch, 4)
	ch <- makeBatch(1, 0, 99)
	ch <- makeBatch(1, 100, 149)
	close(ch)

	err := d.Run(context.Background(), ch, chainIDOf)
	require.NoError(t, err)
	require.NotNil(t, store.chainID)
	require.Equal(t, model.ChainID(1), *store.chainID)
}

func TestDispatcherGapIsFatal(t *testing.T) {
	store := &fakeChainIDStore{}
	d := New(Config{ProcessorName: "proc", Concurrency: 4, StartingVersion: 0}, store, identityExtract, nil, zerolog.Nop())

	ch := make(chan model.Batch, 4)
	ch <- makeBatch(1, 50, 99) // gap: expected 0, got 50
	close(ch)

	err := d.Run(context.Background(), ch, chainIDOf)
	require.Error(t, err)
	var gapErr *model.GapError
	require.ErrorAs(t, err, &gapErr)
	require.Equal(t, model.Version(0), gapErr.Expected)
	require.Equal(t, model.Version(50), gapErr.Got)
}

// TestDispatcherChainMismatchIsFatal reproduces scenario S4: persisted
// chain_id=2, first batch carries chain_id=3.
func TestDispatcherChainMismatchIsFatal(t *testing.T) {
	persisted := model.ChainID(2)
	store := &fakeChainIDStore{chainID: &persisted}
	d := New(Config{ProcessorName: "proc", Concurrency: 4, StartingVersion: 0}, store, identityExtract, nil, zerolog.Nop())

	ch := make(chan model.Batch, 1)
	ch <- makeBatch(3, 0, 99)
	close(ch)

	err := d.Run(context.Background(), ch, chainIDOf)
	require.Error(t, err)
	var mismatchErr *model.ChainMismatchError
	require.ErrorAs(t, err, &mismatchErr)
	require.Equal(t, model.ChainID(2), mismatchErr.Persisted)
	require.Equal(t, model.ChainID(3), mismatchErr.Observed)
	require.Equal(t, model.ChainID(2), *store.chainID, "chain id store must not be overwritten on mismatch")
}

func TestDispatcherEndOfStreamIsGraceful(t *testing.T) {
	store := &fakeChainIDStore{}
	d := New(Config{ProcessorName: "proc", Concurrency: 4, StartingVersion: 0}, store, identityExtract, nil, zerolog.Nop())

	ch := make(chan model.Batch)
	close(ch)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background(), ch, chainIDOf) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not return on closed empty channel")
	}
}

func TestDispatcherExtractionFailureIsFatal(t *testing.T) {
	store := &fakeChainIDStore{}
	failing := func(_ context.Context, batch model.Batch) (model.ProcessingResult, error) {
		return model.ProcessingResult{}, context.DeadlineExceeded
	}
	d := New(Config{ProcessorName: "proc", Concurrency: 4, StartingVersion: 0}, store, failing, nil, zerolog.Nop())

	ch := make(chan model.Batch, 1)
	ch <- makeBatch(1, 0, 99)
	close(ch)

	err := d.Run(context.Background(), ch, chainIDOf)
	require.Error(t, err)
}
