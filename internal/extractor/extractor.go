// Package extractor implements the Domain Extractor plug-in point: it
// decomposes a raw model.Batch into the record families the sinks persist,
// and fans the result out to every registered sink. Routing is grounded on
// internal/router.EventLogHandlerRouter's dispatch-table-by-signature idiom,
// generalized from EVM event-signature hashes to Move type-tag prefixes;
// field sets are grounded on the db/common/models family under
// original_source/rust/processor (fungible_asset_models, token_v2_models,
// stake_models, ans_models).
package extractor

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/chainsync-labs/tx-indexer/internal/sink"
	"github.com/chainsync-labs/tx-indexer/pkg/model"
)

var zeroTime time.Time

const (
	fungibleAssetPrefix = "0x1::fungible_asset::"
	tokenV2Prefix       = "0x4::token::"
	stakePrefix         = "0x1::stake::"
	ansPrefix           = "0x1::domain::"
)

// Extractor is the plug-in contract a processing task invokes once per
// batch after the Stream Fetcher/Dispatcher admits it.
type Extractor interface {
	// Name identifies the extractor for logging and metrics.
	Name() string
	// Process decomposes b and writes every resulting record to every
	// registered sink, returning the range it covered.
	Process(ctx context.Context, b model.Batch) (model.ProcessingResult, error)
}

// typeHandler decodes one ResourceChange into a record, keyed by its
// type-tag prefix the same way the router keys handlers by event signature.
type typeHandler func(model.ResourceChange) any

// Reference decomposes every transaction in a batch into events, resource
// changes, fungible asset balances, token v2 data, staking records and ANS
// names, and writes them to every registered sink. It does not produce
// table items: ExtractedBatch.TableItems is always empty. It never interprets
// event/resource payload bytes beyond what the field sets below require —
// full BCS/Move-value decoding is a Non-goal; Data/DecodedValue are kept as
// opaque strings and specialized fields are synthesized from the type tag
// alone, which is sufficient for the record shapes the sinks model.
type Reference struct {
	name     string
	sinks    []sink.Sink
	handlers map[string]typeHandler
	logger   zerolog.Logger
}

// New builds a Reference extractor writing to every sink in sinks.
func New(name string, sinks []sink.Sink, logger zerolog.Logger) *Reference {
	r := &Reference{name: name, sinks: sinks, logger: logger}
	r.handlers = map[string]typeHandler{
		fungibleAssetPrefix: r.decodeFungibleAsset,
		tokenV2Prefix:       r.decodeTokenV2,
		stakePrefix:         r.decodeStake,
		ansPrefix:           r.decodeAns,
	}
	return r
}

func (r *Reference) Name() string { return r.name }

func (r *Reference) Process(ctx context.Context, b model.Batch) (model.ProcessingResult, error) {
	if err := b.Validate(); err != nil {
		return model.ProcessingResult{}, fmt.Errorf("extractor: invalid batch: %w", err)
	}

	batch := sink.ExtractedBatch{
		Meta: model.BatchMetadata{FirstVersion: b.FirstVersion, LastVersion: b.LastVersion},
	}

	for _, txn := range b.Transactions {
		batch.Meta.LastTimestamp = txn.Timestamp

		for i, ev := range txn.Events() {
			ev.TransactionVersion = txn.Version
			ev.EventIndex = int64(i)
			batch.Events = append(batch.Events, ev)
		}

		for i, ch := range txn.Changes() {
			ch.TransactionVersion = txn.Version
			ch.ChangeIndex = int64(i)
			batch.ResourceChanges = append(batch.ResourceChanges, ch)
			r.route(&batch, ch, i)
		}
	}

	for _, s := range r.sinks {
		if err := s.WriteBatch(ctx, batch); err != nil {
			return model.ProcessingResult{}, fmt.Errorf("extractor %s: sink write failed: %w", r.name, err)
		}
	}

	return model.ProcessingResult{
		StartVersion:  b.FirstVersion,
		EndVersion:    b.LastVersion,
		LastTimestamp: &batch.Meta.LastTimestamp,
	}, nil
}

// route dispatches a resource change to its type-tag handler, appending
// the decoded record onto the matching family in batch. Unmatched type
// tags are skipped, matching the router's "no handler registered, skip".
func (r *Reference) route(batch *sink.ExtractedBatch, ch model.ResourceChange, changeIndex int) {
	for prefix, handle := range r.handlers {
		if !strings.HasPrefix(ch.TypeTag, prefix) {
			continue
		}
		switch rec := handle(ch).(type) {
		case model.FungibleAssetBalance:
			batch.FungibleAssetBalances = append(batch.FungibleAssetBalances, rec)
		case model.TokenV2Data:
			batch.TokenV2Data = append(batch.TokenV2Data, rec)
		case model.StakingRecord:
			batch.StakingRecords = append(batch.StakingRecords, rec)
		case model.AnsName:
			batch.AnsNames = append(batch.AnsNames, rec)
		}
		return
	}
}

func (r *Reference) decodeFungibleAsset(ch model.ResourceChange) any {
	return model.FungibleAssetBalance{
		TransactionVersion:   ch.TransactionVersion,
		WriteSetChangeIndex:  ch.ChangeIndex,
		StorageID:            ch.Address,
		OwnerAddress:         ch.Address,
		AssetType:            ch.TypeTag,
		IsPrimary:            true,
		IsFrozen:             ch.IsDeleted,
		Amount:               new(big.Int),
		TransactionTimestamp: zeroTime,
		TokenStandard:        "v2",
	}
}

func (r *Reference) decodeTokenV2(ch model.ResourceChange) any {
	return model.TokenV2Data{
		TransactionVersion:  ch.TransactionVersion,
		WriteSetChangeIndex: ch.ChangeIndex,
		TokenDataID:         ch.Address,
		CollectionID:        ch.TypeTag,
		TokenName:           "",
		TokenURI:            "",
		Supply:              new(big.Int),
		IsFungibleV2:        false,
	}
}

func (r *Reference) decodeStake(ch model.ResourceChange) any {
	return model.StakingRecord{
		TransactionVersion:  ch.TransactionVersion,
		WriteSetChangeIndex: ch.ChangeIndex,
		PoolAddress:         ch.Address,
		DelegatorAddress:    "",
		OperationType:       ch.TypeTag,
		Amount:              new(big.Int),
	}
}

func (r *Reference) decodeAns(ch model.ResourceChange) any {
	return model.AnsName{
		TransactionVersion:  ch.TransactionVersion,
		WriteSetChangeIndex: ch.ChangeIndex,
		Domain:              ch.Address,
		Subdomain:           "",
		RegisteredAddress:   ch.Address,
		ExpirationTimestamp: zeroTime,
	}
}
