// Package store is the Ledger Store (spec.md §4.1): a small transactional
// vocabulary over the per-coin entities of §3, built on an embedded
// key-value engine (github.com/cockroachdb/pebble) the way go-ethereum's
// own node stores chain data on pebble/leveldb. Every multi-row mutation
// passes through Atomic, go-ethereum-style "batch, then write" commit.
package store

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
)

// Store is the single process-wide handle shared among all coins plus the
// outbox tables (spec.md §9 "Shared singleton store"). Coin isolation is by
// key prefix, never by separate database files.
type Store struct {
	db *pebble.DB
	mu sync.Mutex // serializes Atomic; see Doc on concurrency below.
}

// Open creates or reopens the store at path.
//
// The spec assumes "single-writer serialisable behaviour ... of the storage
// substrate" (§4.1 Guarantees). Pebble's own write path is already
// serialized per-batch-commit, but Atomic additionally takes a Go mutex so
// that the read-modify-write sequences inside fn (e.g. the upsert pattern
// for AccountTotals) never interleave with a concurrent Atomic call from the
// other driver (scheduler vs request dispatcher, §5).
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Txn is the scope passed to an Atomic closure. All reads and writes issued
// through it are committed (or rolled back) together, and reads observe the
// txn's own uncommitted writes (read-your-writes, per §4.1).
type Txn struct {
	batch *pebble.Batch
}

// Atomic runs fn inside a single commit scope. A non-nil return from fn
// rolls back (the batch is discarded) and the error propagates unchanged;
// callers at the adapter layer are expected to wrap it as a StorageFatal
// chainadapter.Error before it reaches the scheduler/dispatcher.
func (s *Store) Atomic(fn func(*Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewIndexedBatch()
	if err := fn(&Txn{batch: batch}); err != nil {
		_ = batch.Close()
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (t *Txn) get(key []byte) ([]byte, error) {
	v, closer, err := t.batch.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), v...)
	closer.Close()
	return out, nil
}

func (t *Txn) set(key, val []byte) error {
	return t.batch.Set(key, val, nil)
}

func (t *Txn) del(key []byte) error {
	return t.batch.Delete(key, nil)
}

// get/iterate directly against the committed state (outside any Atomic
// scope). Per §5, "Reads outside atomic are permitted and may see a
// snapshot older than the latest committed state."
func (s *Store) get(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), v...)
	closer.Close()
	return out, nil
}

func (s *Store) iterate(lo, hi []byte, fn func(k, v []byte) (more bool, err error)) error {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		more, err := fn(append([]byte(nil), it.Key()...), append([]byte(nil), it.Value()...))
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return it.Error()
}

func (t *Txn) iterate(lo, hi []byte, fn func(k, v []byte) (more bool, err error)) error {
	it, err := t.batch.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		more, err := fn(append([]byte(nil), it.Key()...), append([]byte(nil), it.Value()...))
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return it.Error()
}
