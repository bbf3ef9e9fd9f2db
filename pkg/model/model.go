// Package model holds the data types shared across the indexing pipeline:
// versions, transactions, batches, and the per-domain records a extractor
// produces from them.
package model

import (
	"fmt"
	"math/big"
	"time"
)

// Version is a monotonically increasing global ordinal identifying a single
// transaction. The universe of input is the contiguous half-open interval
// [start, end) of versions; gaps are a fatal protocol error.
type Version = uint64

// ChainID is the small integer tag identifying the source chain. It is
// immutable for the lifetime of a run.
type ChainID = uint8

// TransactionKind tags the variant carried by a Transaction. Extractors
// switch over this exhaustively instead of reflecting on the payload, per
// the sum-type requirement for transaction variants.
type TransactionKind int

const (
	TransactionUser TransactionKind = iota
	TransactionGenesis
	TransactionBlockMetadata
	TransactionStateCheckpoint
	TransactionValidator
)

func (k TransactionKind) String() string {
	switch k {
	case TransactionUser:
		return "user"
	case TransactionGenesis:
		return "genesis"
	case TransactionBlockMetadata:
		return "block_metadata"
	case TransactionStateCheckpoint:
		return "state_checkpoint"
	case TransactionValidator:
		return "validator"
	default:
		return "unknown"
	}
}

// UserTransactionInfo carries the payload for TransactionUser variants.
type UserTransactionInfo struct {
	Sender         string
	SequenceNumber uint64
	Events         []Event
	Changes        []ResourceChange
	GasUsed        uint64
	Success        bool
	VMStatus       string
}

// GenesisTransactionInfo carries the payload for TransactionGenesis variants.
type GenesisTransactionInfo struct {
	Events  []Event
	Changes []ResourceChange
}

// BlockMetadataInfo carries the payload for TransactionBlockMetadata variants.
type BlockMetadataInfo struct {
	BlockHeight uint64
	ProposerID  string
	Events      []Event
}

// StateCheckpointInfo carries the payload for TransactionStateCheckpoint
// variants. State checkpoints carry no events or resource changes by
// construction.
type StateCheckpointInfo struct{}

// ValidatorTransactionInfo carries the payload for TransactionValidator
// variants.
type ValidatorTransactionInfo struct {
	Events  []Event
	Changes []ResourceChange
}

// Transaction is a tagged union over the five transaction variants a batch
// may contain. Exactly one of the payload fields is populated, selected by
// Kind; Events and Changes read it through exhaustive switches so no caller
// ever inspects the payload via a type assertion on an empty interface.
type Transaction struct {
	Version   Version
	Kind      TransactionKind
	Timestamp time.Time

	User            *UserTransactionInfo
	Genesis         *GenesisTransactionInfo
	BlockMetadata   *BlockMetadataInfo
	StateCheckpoint *StateCheckpointInfo
	Validator       *ValidatorTransactionInfo
}

// Events returns the events carried by whichever variant is populated.
func (t Transaction) Events() []Event {
	switch t.Kind {
	case TransactionUser:
		if t.User != nil {
			return t.User.Events
		}
	case TransactionGenesis:
		if t.Genesis != nil {
			return t.Genesis.Events
		}
	case TransactionBlockMetadata:
		if t.BlockMetadata != nil {
			return t.BlockMetadata.Events
		}
	case TransactionStateCheckpoint:
		return nil
	case TransactionValidator:
		if t.Validator != nil {
			return t.Validator.Events
		}
	}
	return nil
}

// Changes returns the resource changes carried by whichever variant is
// populated.
func (t Transaction) Changes() []ResourceChange {
	switch t.Kind {
	case TransactionUser:
		if t.User != nil {
			return t.User.Changes
		}
	case TransactionGenesis:
		if t.Genesis != nil {
			return t.Genesis.Changes
		}
	case TransactionBlockMetadata:
		return nil
	case TransactionStateCheckpoint:
		return nil
	case TransactionValidator:
		if t.Validator != nil {
			return t.Validator.Changes
		}
	}
	return nil
}

// Batch is a contiguous run of versions delivered together by the upstream.
type Batch struct {
	ChainID      ChainID
	Transactions []Transaction
	FirstVersion Version
	LastVersion  Version
}

// Validate checks the batch invariant from the data model: last - first + 1
// equals the transaction count, and versions are strictly consecutive.
func (b Batch) Validate() error {
	if b.LastVersion < b.FirstVersion {
		return fmt.Errorf("model: batch last_version %d precedes first_version %d", b.LastVersion, b.FirstVersion)
	}
	want := b.LastVersion - b.FirstVersion + 1
	if uint64(len(b.Transactions)) != want {
		return fmt.Errorf("model: batch [%d,%d] expects %d transactions, got %d", b.FirstVersion, b.LastVersion, want, len(b.Transactions))
	}
	for i, txn := range b.Transactions {
		want := b.FirstVersion + Version(i)
		if txn.Version != want {
			return fmt.Errorf("model: batch transaction at offset %d has version %d, expected %d", i, txn.Version, want)
		}
	}
	return nil
}

// ProcessingResult is emitted per extraction task. The interval [Start, End]
// must exactly equal the batch that produced it.
type ProcessingResult struct {
	StartVersion  Version
	EndVersion    Version
	LastTimestamp *time.Time
}

// Validate checks the processing result invariant: start <= end.
func (r ProcessingResult) Validate() error {
	if r.StartVersion > r.EndVersion {
		return fmt.Errorf("model: processing result start %d exceeds end %d", r.StartVersion, r.EndVersion)
	}
	return nil
}

// Event is a single emitted Move/on-chain event.
type Event struct {
	TransactionVersion Version
	EventIndex         int64
	TypeTag            string
	Data               string
	AccountAddress     string
	CreationNumber     uint64
	SequenceNumber     uint64
}

// ResourceChange is a write or delete of a Move resource, table item, or
// module within a transaction.
type ResourceChange struct {
	TransactionVersion Version
	ChangeIndex        int64
	TypeTag            string
	Address            string
	IsDeleted          bool
	Data               string
}

// TableItem is a write/delete against a Move table handle, distinct from a
// resource change because it is addressed by (handle, key) rather than by
// account + type.
type TableItem struct {
	TransactionVersion  Version
	WriteSetChangeIndex int64
	TableHandle         string
	KeyHash             string
	Key                 string
	DecodedValue        string
	IsDeleted           bool
}

// FungibleAssetBalance is a fungible-asset store balance observed at a
// given transaction version, grounded on the raw_v2_fungible_asset_balances
// record family.
type FungibleAssetBalance struct {
	TransactionVersion   Version
	WriteSetChangeIndex  int64
	StorageID            string
	OwnerAddress         string
	AssetType            string
	IsPrimary            bool
	IsFrozen             bool
	Amount               *big.Int
	TransactionTimestamp time.Time
	TokenStandard        string
}

// TokenV2Data is an NFT / fungible-token-v2 object observed at a given
// transaction version.
type TokenV2Data struct {
	TransactionVersion  Version
	WriteSetChangeIndex int64
	TokenDataID         string
	CollectionID        string
	TokenName           string
	TokenURI            string
	Supply              *big.Int
	IsFungibleV2        bool
}

// StakingRecord is a delegation/stake-pool state change observed at a given
// transaction version.
type StakingRecord struct {
	TransactionVersion  Version
	WriteSetChangeIndex int64
	PoolAddress         string
	DelegatorAddress    string
	OperationType       string
	Amount              *big.Int
}

// AnsName is a name-service registration or renewal observed at a given
// transaction version.
type AnsName struct {
	TransactionVersion  Version
	WriteSetChangeIndex int64
	Domain              string
	Subdomain           string
	RegisteredAddress   string
	ExpirationTimestamp time.Time
}

// Row is the generic shape a columnar sink appends: a logical table name
// plus its already-decomposed record, boxed so the parquet buffer can treat
// every record family uniformly.
type Row struct {
	Table  string
	Record any
}

// BatchMetadata is the range/timestamp context carried alongside a batch of
// rows into the Parquet Buffer, used to extend a table's range_metadata.
type BatchMetadata struct {
	FirstVersion Version
	LastVersion  Version
	LastTimestamp time.Time
}
