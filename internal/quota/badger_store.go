// Tianji Coordinator - Distributed Coordination and Caching Layer
// Copyright 2026 Tianji Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/msgbyte/tianji-coord

package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// alertKeyPrefix namespaces alert records in BadgerDB.
const alertKeyPrefix = "quota-alert:"

// BadgerStore implements Store on BadgerDB. Records survive restarts, which
// the at-most-once-per-day guarantee depends on.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore wraps an existing Badger handle. The caller retains
// ownership of the handle's lifecycle.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func alertKey(workspaceID, gatewayID string) []byte {
	return []byte(alertKeyPrefix + workspaceID + ":" + gatewayID)
}

// GetAlertConfig returns the record for (workspace, gateway), or nil.
func (s *BadgerStore) GetAlertConfig(ctx context.Context, workspaceID, gatewayID string) (*AlertRecord, error) {
	var rec AlertRecord

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(alertKey(workspaceID, gatewayID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get alert config %s/%s: %w", workspaceID, gatewayID, err)
	}
	return &rec, nil
}

// SaveAlertConfig upserts a record.
func (s *BadgerStore) SaveAlertConfig(ctx context.Context, rec *AlertRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal alert config: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(alertKey(rec.WorkspaceID, rec.GatewayID), data)
	})
	if err != nil {
		return fmt.Errorf("save alert config %s/%s: %w", rec.WorkspaceID, rec.GatewayID, err)
	}
	return nil
}

// ListAlertConfigs returns all records.
func (s *BadgerStore) ListAlertConfigs(ctx context.Context) ([]*AlertRecord, error) {
	var records []*AlertRecord

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(alertKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec AlertRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			records = append(records, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list alert configs: %w", err)
	}
	return records, nil
}

// Verify interface implementation at compile time
var _ Store = (*BadgerStore)(nil)
