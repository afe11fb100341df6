// Package storage is the persistent record store of the settlement engine.
// Records are JSON values under prefixed keys in BadgerDB; a write
// transaction travels in the context so one entry point commits or discards
// all of its writes together.
package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a key has no record.
var ErrNotFound = errors.New("record not found")

type txnKey struct{}

// BadgerStore is a disk-backed (or in-memory) record store.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// Open opens the store at path. An empty path opens an in-memory store.
func Open(path string, logger *zap.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil // disable internal logging
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger db: %w", err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

// OpenInMemory opens a throwaway store, mostly for tests.
func OpenInMemory(logger *zap.Logger) (*BadgerStore, error) {
	return Open("", logger)
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// RunGC collects the value log periodically until ctx is done.
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lsm, vlog := s.db.Size()
			if lsm > 1024*1024*8 || vlog > 1024*1024*32 {
				err := s.db.RunValueLogGC(0.5)
				if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
					s.logger.Warn("value log gc failed", zap.Error(err))
				}
			}
		}
	}
}

// Atomic runs fn inside a write transaction. If ctx already carries one,
// fn joins it and the outermost caller commits.
func (s *BadgerStore) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txnKey{}).(*badger.Txn); ok {
		return fn(ctx)
	}
	txn := s.db.NewTransaction(true)
	defer txn.Discard()
	if err := fn(context.WithValue(ctx, txnKey{}, txn)); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("commit store transaction: %w", err)
	}
	return nil
}

func (s *BadgerStore) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if txn, ok := ctx.Value(txnKey{}).(*badger.Txn); ok {
		return fn(txn)
	}
	return s.db.View(fn)
}

func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if txn, ok := ctx.Value(txnKey{}).(*badger.Txn); ok {
		return fn(txn)
	}
	return s.db.Update(fn)
}

// Get decodes the record at key into v.
func (s *BadgerStore) Get(ctx context.Context, key string, v interface{}) error {
	return s.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
}

// Has reports whether key holds a record.
func (s *BadgerStore) Has(ctx context.Context, key string) (bool, error) {
	found := false
	err := s.view(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// Put encodes v and writes it at key.
func (s *BadgerStore) Put(ctx context.Context, key string, v interface{}) error {
	val, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(key), val)
	})
}

// Delete removes key. Missing keys are not an error.
func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// NextID increments the named counter and returns the new value; the
// first id is 1.
func (s *BadgerStore) NextID(ctx context.Context, counter string) (uint64, error) {
	var next uint64
	key := []byte("COUNTER:" + counter)
	err := s.update(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			next = 1
		case err != nil:
			return err
		default:
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			next = binary.BigEndian.Uint64(val) + 1
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, next)
		return txn.Set(key, buf)
	})
	return next, err
}

// Iterate calls fn with every key under prefix, in key order. decode
// unmarshals the current value.
func (s *BadgerStore) Iterate(ctx context.Context, prefix string, fn func(key string, decode func(v interface{}) error) error) error {
	return s.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			decode := func(v interface{}) error {
				return item.Value(func(val []byte) error { return json.Unmarshal(val, v) })
			}
			if err := fn(string(item.KeyCopy(nil)), decode); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteProperty stores a raw property value.
func (s *BadgerStore) WriteProperty(ctx context.Context, key string, val []byte) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte("PROPERTY:"+key), val)
	})
}

// ReadProperty returns a raw property value, or nil when unset.
func (s *BadgerStore) ReadProperty(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("PROPERTY:" + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}
