package sink

import (
	"context"
	"fmt"

	"github.com/chainsync-labs/tx-indexer/internal/parquetbuffer"
	"github.com/chainsync-labs/tx-indexer/pkg/model"
)

// Columnar adapts a parquetbuffer.Manager to the Sink interface, fanning
// one ExtractedBatch out into one Append call per non-empty record family
// so each table accumulates independently.
type Columnar struct {
	mgr *parquetbuffer.Manager
}

// NewColumnar wraps mgr as a Sink.
func NewColumnar(mgr *parquetbuffer.Manager) *Columnar {
	return &Columnar{mgr: mgr}
}

func (c *Columnar) WriteBatch(ctx context.Context, b ExtractedBatch) error {
	for table, rows := range tablesOf(b) {
		if len(rows) == 0 {
			continue
		}
		if err := c.mgr.Append(ctx, table, rows, b.Meta); err != nil {
			return fmt.Errorf("sink: failed to append to table %s: %w", table, err)
		}
	}
	return nil
}

func tablesOf(b ExtractedBatch) map[string][]model.Row {
	out := make(map[string][]model.Row, 7)
	out["events"] = boxRows("events", b.Events)
	out["resource_changes"] = boxRows("resource_changes", b.ResourceChanges)
	out["table_items"] = boxRows("table_items", b.TableItems)
	out["fungible_asset_balances"] = boxRows("fungible_asset_balances", b.FungibleAssetBalances)
	out["token_v2_data"] = boxRows("token_v2_data", b.TokenV2Data)
	out["staking_records"] = boxRows("staking_records", b.StakingRecords)
	out["ans_names"] = boxRows("ans_names", b.AnsNames)
	return out
}

func boxRows[T any](table string, records []T) []model.Row {
	if len(records) == 0 {
		return nil
	}
	rows := make([]model.Row, len(records))
	for i, r := range records {
		rows[i] = model.Row{Table: table, Record: r}
	}
	return rows
}
