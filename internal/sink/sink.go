// Package sink defines the downstream persistence contract extraction
// tasks write to, and the two concrete implementations: a relational
// (pgx) sink and a columnar (parquet buffer) sink. Grounded on
// cmd/consumer/main.go's storeEvent family (relational upsert idiom) and
// internal/parquetbuffer (columnar).
package sink

import (
	"context"

	"github.com/chainsync-labs/tx-indexer/pkg/model"
)

// Sink is a terminal consumer of extracted records. Acknowledging a range
// to the Version Tracker is not part of this interface: cmd/indexer sends a
// Partial event after each extraction task's sink writes succeed, and the
// parquetbuffer.Manager behind Columnar sends one per flushed table.
type Sink interface {
	// WriteBatch persists every record the reference extractor produced
	// for one transaction batch.
	WriteBatch(ctx context.Context, b ExtractedBatch) error
}

// ExtractedBatch groups every record family the reference extractor can
// produce for a single input batch, plus the batch's range metadata.
type ExtractedBatch struct {
	Meta                  model.BatchMetadata
	Events                []model.Event
	ResourceChanges       []model.ResourceChange
	TableItems            []model.TableItem
	FungibleAssetBalances []model.FungibleAssetBalance
	TokenV2Data           []model.TokenV2Data
	StakingRecords        []model.StakingRecord
	AnsNames              []model.AnsName
}
