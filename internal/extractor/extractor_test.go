package extractor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/chainsync-labs/tx-indexer/internal/sink"
	"github.com/chainsync-labs/tx-indexer/pkg/model"
)

type fakeSink struct {
	batches []sink.ExtractedBatch
}

func (f *fakeSink) WriteBatch(ctx context.Context, b sink.ExtractedBatch) error {
	f.batches = append(f.batches, b)
	return nil
}

func userTxn(version model.Version, events []model.Event, changes []model.ResourceChange) model.Transaction {
	return model.Transaction{
		Version:   version,
		Kind:      model.TransactionUser,
		Timestamp: time.Unix(int64(version), 0),
		User:      &model.UserTransactionInfo{Events: events, Changes: changes, Success: true},
	}
}

func TestProcessRoutesEventsAndResourceChanges(t *testing.T) {
	f := &fakeSink{}
	e := New("reference", []sink.Sink{f}, zerolog.Nop())

	batch := model.Batch{
		ChainID:      1,
		FirstVersion: 100,
		LastVersion:  100,
		Transactions: []model.Transaction{
			userTxn(100,
				[]model.Event{{TypeTag: "0x1::coin::WithdrawEvent"}},
				[]model.ResourceChange{{TypeTag: "0x1::coin::CoinStore", Address: "0xabc"}},
			),
		},
	}

	result, err := e.Process(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, model.Version(100), result.StartVersion)
	require.Equal(t, model.Version(100), result.EndVersion)

	require.Len(t, f.batches, 1)
	require.Len(t, f.batches[0].Events, 1)
	require.Len(t, f.batches[0].ResourceChanges, 1)
	require.Equal(t, model.Version(100), f.batches[0].Events[0].TransactionVersion)
}

func TestProcessDecodesFungibleAssetByTypeTagPrefix(t *testing.T) {
	f := &fakeSink{}
	e := New("reference", []sink.Sink{f}, zerolog.Nop())

	batch := model.Batch{
		ChainID:      1,
		FirstVersion: 5,
		LastVersion:  5,
		Transactions: []model.Transaction{
			userTxn(5, nil, []model.ResourceChange{
				{TypeTag: "0x1::fungible_asset::FungibleStore", Address: "0xfeed"},
			}),
		},
	}

	_, err := e.Process(context.Background(), batch)
	require.NoError(t, err)

	require.Len(t, f.batches[0].FungibleAssetBalances, 1)
	require.Equal(t, "0xfeed", f.batches[0].FungibleAssetBalances[0].StorageID)
	require.Empty(t, f.batches[0].TokenV2Data)
}

func TestProcessSkipsUnmatchedTypeTags(t *testing.T) {
	f := &fakeSink{}
	e := New("reference", []sink.Sink{f}, zerolog.Nop())

	batch := model.Batch{
		ChainID:      1,
		FirstVersion: 1,
		LastVersion:  1,
		Transactions: []model.Transaction{
			userTxn(1, nil, []model.ResourceChange{{TypeTag: "0x1::account::Account", Address: "0x1"}}),
		},
	}

	_, err := e.Process(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, f.batches[0].ResourceChanges, 1, "raw resource change is still recorded")
	require.Empty(t, f.batches[0].FungibleAssetBalances)
	require.Empty(t, f.batches[0].TokenV2Data)
	require.Empty(t, f.batches[0].StakingRecords)
	require.Empty(t, f.batches[0].AnsNames)
}

func TestProcessRejectsInvalidBatch(t *testing.T) {
	e := New("reference", nil, zerolog.Nop())

	batch := model.Batch{FirstVersion: 10, LastVersion: 12, Transactions: nil}
	_, err := e.Process(context.Background(), batch)
	require.Error(t, err)
}

func TestProcessWritesToEverySink(t *testing.T) {
	f1, f2 := &fakeSink{}, &fakeSink{}
	e := New("reference", []sink.Sink{f1, f2}, zerolog.Nop())

	batch := model.Batch{
		FirstVersion: 1,
		LastVersion:  1,
		Transactions: []model.Transaction{userTxn(1, []model.Event{{TypeTag: "x"}}, nil)},
	}

	_, err := e.Process(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, f1.batches, 1)
	require.Len(t, f2.batches, 1)
}
