// Package kv provides a small key-value cache with optional persistence using BadgerDB
package kv

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// KV wraps a badger database. It backs the tools' private response caches and
// the router's persisted usage counters.
type KV struct {
	db       *badger.DB
	closed   bool
	closedMu sync.RWMutex
}

// Options for the KV store.
type Options struct {
	Dir           string // data directory; ignored in memory mode
	SyncWrites    bool
	Compression   bool
	MemoryMode    bool // in-memory only, no persistence
	ValueLogMaxMB int64
}

// DefaultOptions returns disk-backed defaults for the given directory.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:           dir,
		SyncWrites:    false,
		Compression:   true,
		ValueLogMaxMB: 256,
	}
}

// MemoryOptions returns options for an in-memory store.
func MemoryOptions() Options {
	return Options{MemoryMode: true}
}

// Open opens a KV store.
func Open(opt Options) (*KV, error) {
	opts := badger.DefaultOptions(opt.Dir)
	opts.SyncWrites = opt.SyncWrites
	opts.Logger = nil

	if opt.MemoryMode {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	} else {
		if opt.Compression {
			opts.Compression = options.ZSTD
		}
		if opt.ValueLogMaxMB > 0 {
			opts.ValueLogFileSize = opt.ValueLogMaxMB * 1024 * 1024
		}
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger failed: %w", err)
	}
	return &KV{db: db}, nil
}

// Close closes the KV store. Safe to call more than once.
func (k *KV) Close() error {
	k.closedMu.Lock()
	defer k.closedMu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	return k.db.Close()
}

// ErrNotFound is returned by Get for missing or expired keys.
var ErrNotFound = badger.ErrKeyNotFound

func (k *KV) guard() error {
	if k.closed {
		return fmt.Errorf("kv is closed")
	}
	return nil
}

// Set stores a key-value pair.
func (k *KV) Set(key string, value []byte) error {
	k.closedMu.RLock()
	defer k.closedMu.RUnlock()
	if err := k.guard(); err != nil {
		return err
	}
	return k.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// SetWithTTL stores a key-value pair that expires after ttl.
func (k *KV) SetWithTTL(key string, value []byte, ttl time.Duration) error {
	k.closedMu.RLock()
	defer k.closedMu.RUnlock()
	if err := k.guard(); err != nil {
		return err
	}
	return k.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), value).WithTTL(ttl)
		return txn.SetEntry(e)
	})
}

// Get returns the value for key, or ErrNotFound.
func (k *KV) Get(key string) ([]byte, error) {
	k.closedMu.RLock()
	defer k.closedMu.RUnlock()
	if err := k.guard(); err != nil {
		return nil, err
	}
	var value []byte
	err := k.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// IncrBy atomically adds delta to the uint64 counter stored at key and
// returns the new value. A missing key counts as zero.
func (k *KV) IncrBy(key string, delta uint64) (uint64, error) {
	k.closedMu.RLock()
	defer k.closedMu.RUnlock()
	if err := k.guard(); err != nil {
		return 0, err
	}
	var next uint64
	err := k.db.Update(func(txn *badger.Txn) error {
		var current uint64
		item, err := txn.Get([]byte(key))
		if err == nil {
			if verr := item.Value(func(val []byte) error {
				if len(val) == 8 {
					current = binary.BigEndian.Uint64(val)
				}
				return nil
			}); verr != nil {
				return verr
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		next = current + delta
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, next)
		return txn.Set([]byte(key), buf)
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

// Counter returns the current value of the counter at key.
func (k *KV) Counter(key string) (uint64, error) {
	value, err := k.Get(key)
	if err == badger.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(value) != 8 {
		return 0, fmt.Errorf("counter %q has invalid width %d", key, len(value))
	}
	return binary.BigEndian.Uint64(value), nil
}
