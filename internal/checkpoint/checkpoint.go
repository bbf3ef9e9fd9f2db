// Package checkpoint provides crash-safe persistence of each processor's
// watermark using an embedded BoltDB file, generalizing the teacher's
// internal/db checkpoint store from per-chain block heights to the
// pipeline's (processor_name) -> watermark row described in spec §6.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/chainsync-labs/tx-indexer/pkg/model"
)

const checkpointBucket = "checkpoints"

// Row is the single persisted row per processor name described in the
// external interfaces section: watermark plus chain id plus the last
// observed transaction timestamp.
type Row struct {
	ProcessorName           string     `json:"processor_name"`
	ChainID                 *model.ChainID `json:"chain_id,omitempty"`
	LastSuccessVersion      uint64     `json:"last_success_version"`
	LastUpdated             time.Time  `json:"last_updated"`
	LastTransactionTimestamp *time.Time `json:"last_transaction_timestamp,omitempty"`
}

// Store is a BoltDB-backed checkpoint database.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the checkpoint database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: failed to open db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(checkpointBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: failed to create bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ReadRow returns the persisted row for processorName, or nil if none
// exists yet (a fresh processor).
func (s *Store) ReadRow(processorName string) (*Row, error) {
	var row Row
	found := false

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(checkpointBucket))
		data := b.Get([]byte(processorName))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &row)
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: failed to read row for %s: %w", processorName, err)
	}
	if !found {
		return nil, nil
	}
	return &row, nil
}

// ReadChainID returns the persisted chain id for processorName, matching
// the external interface read_chain_id().
func (s *Store) ReadChainID(processorName string) (*model.ChainID, error) {
	row, err := s.ReadRow(processorName)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	return row.ChainID, nil
}

// WriteChainID persists the chain id for processorName, matching the
// external interface write_chain_id().
func (s *Store) WriteChainID(processorName string, chainID model.ChainID) error {
	return s.update(processorName, func(row *Row) {
		row.ChainID = &chainID
	})
}

// WriteLastProcessedVersion persists the watermark for processorName,
// matching the external interface write_last_processed_version().
func (s *Store) WriteLastProcessedVersion(processorName string, version model.Version, lastTxnTimestamp *time.Time) error {
	return s.update(processorName, func(row *Row) {
		row.LastSuccessVersion = version
		if lastTxnTimestamp != nil {
			row.LastTransactionTimestamp = lastTxnTimestamp
		}
	})
}

func (s *Store) update(processorName string, mutate func(row *Row)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(checkpointBucket))

		var row Row
		if data := b.Get([]byte(processorName)); data != nil {
			if err := json.Unmarshal(data, &row); err != nil {
				return fmt.Errorf("checkpoint: failed to unmarshal existing row: %w", err)
			}
		} else {
			row = Row{ProcessorName: processorName}
		}

		mutate(&row)
		row.LastUpdated = time.Now()

		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("checkpoint: failed to marshal row: %w", err)
		}
		return b.Put([]byte(processorName), data)
	})
}

// Stats returns the underlying database's statistics, unchanged from the
// teacher's checkpoint store.
func (s *Store) Stats() bbolt.Stats {
	return s.db.Stats()
}
