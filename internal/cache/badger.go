// Tianji Coordinator - Distributed Coordination and Caching Layer
// Copyright 2026 Tianji Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/msgbyte/tianji-coord

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/msgbyte/tianji-coord/internal/logging"
)

// BadgerStore is a durable Client backed by BadgerDB with native TTL
// entries. Suitable when instances share a mounted volume or when cache
// state must survive restarts on a single node.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a Badger database at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // badger's own logger is too chatty; we log open/close ourselves

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}

	logging.Info().Str("path", path).Msg("Badger cache store opened")
	return &BadgerStore{db: db}, nil
}

// NewBadgerStoreWithDB wraps an existing Badger handle. The caller retains
// ownership of the handle's lifecycle.
func NewBadgerStoreWithDB(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// Get returns the value for key. Badger enforces the entry TTL itself.
func (s *BadgerStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key. A ttl of 0 stores without expiry.
func (s *BadgerStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), []byte(value))
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying Badger database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// Verify interface implementation at compile time
var _ Client = (*BadgerStore)(nil)
