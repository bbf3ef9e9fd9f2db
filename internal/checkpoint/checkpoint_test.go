package checkpoint

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chainsync-labs/tx-indexer/pkg/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoint.db")
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestReadRowMissingReturnsNil(t *testing.T) {
	store := openTestStore(t)

	row, err := store.ReadRow("unknown-processor")
	require.NoError(t, err)
	require.Nil(t, row)
}

func TestWriteChainIDThenRead(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.WriteChainID("proc-a", model.ChainID(3)))

	chainID, err := store.ReadChainID("proc-a")
	require.NoError(t, err)
	require.NotNil(t, chainID)
	require.Equal(t, model.ChainID(3), *chainID)
}

func TestWriteLastProcessedVersionPersistsWatermark(t *testing.T) {
	store := openTestStore(t)
	ts := time.Now().UTC()

	require.NoError(t, store.WriteLastProcessedVersion("proc-a", 199, &ts))

	row, err := store.ReadRow("proc-a")
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Equal(t, uint64(199), row.LastSuccessVersion)
	require.NotNil(t, row.LastTransactionTimestamp)
	require.WithinDuration(t, ts, *row.LastTransactionTimestamp, time.Millisecond)
}

func TestWriteLastProcessedVersionPreservesChainID(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.WriteChainID("proc-a", model.ChainID(7)))
	require.NoError(t, store.WriteLastProcessedVersion("proc-a", 50, nil))

	row, err := store.ReadRow("proc-a")
	require.NoError(t, err)
	require.NotNil(t, row.ChainID)
	require.Equal(t, model.ChainID(7), *row.ChainID)
	require.Equal(t, uint64(50), row.LastSuccessVersion)
}
