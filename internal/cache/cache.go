// Package cache is a small persistent key/value cache with per-entry expiry.
package cache

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerCache stores string values in a badger database. It satisfies
// provisioner.Cache.
type BadgerCache struct {
	db *badger.DB
}

// Open opens (or creates) the cache under dir. An empty dir keeps everything in memory.
func Open(dir string) (*BadgerCache, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(dir))
		opts = opts.WithValueLogFileSize(1 << 20)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	return &BadgerCache{db: db}, nil
}

func (c *BadgerCache) Close() error {
	return c.db.Close()
}

// Get returns the value of key when present and not expired.
func (c *BadgerCache) Get(key string) (string, bool) {
	var value string
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			value = string(v)
			return nil
		})
	})
	if err != nil {
		return "", false
	}
	return value, true
}

// Set stores value under key. A zero ttl never expires.
func (c *BadgerCache) Set(key, value string, ttl time.Duration) error {
	return c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), []byte(value))
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

func (c *BadgerCache) Delete(key string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}
