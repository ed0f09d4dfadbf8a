package cache

import (
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/vinayprograms/unfold/internal/binary"
)

// BadgerTier persists entries across runs so a re-investigation of the same
// binary starts warm.
type BadgerTier struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a tier at dir. An empty dir keeps the
// tier in memory.
func OpenBadger(dir string) (*BadgerTier, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache at %s: %w", dir, err)
	}
	return &BadgerTier{db: db}, nil
}

func prefix(id binary.Identity) []byte {
	return []byte(string(id) + "|")
}

// Get implements Tier.
func (t *BadgerTier) Get(key Key) (*Entry, error) {
	var e Entry
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key.String()))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, &e)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Put implements Tier.
func (t *BadgerTier) Put(e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return t.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(e.Key.String()), raw)
	})
}

// Invalidate implements Tier by scanning the binary's prefix.
func (t *BadgerTier) Invalidate(id binary.Identity, keys map[string]bool) (int, error) {
	var stale [][]byte
	err := t.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix(id)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var e Entry
			if err := json.Unmarshal(raw, &e); err != nil || e.DependsOn(keys) {
				stale = append(stale, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	err = t.db.Update(func(txn *badger.Txn) error {
		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return len(stale), err
}

// Drop implements Tier.
func (t *BadgerTier) Drop(id binary.Identity) error {
	return t.db.DropPrefix(prefix(id))
}

// Close implements Tier.
func (t *BadgerTier) Close() error {
	return t.db.Close()
}
