package store

import (
	"encoding/binary"
)

// Outbox tables are process-global queues (spec.md §3 "Outbox entities");
// they reuse the same key-prefix scheme as the per-coin tables but are
// addressed by (kind, coin, userID, seq) rather than a coin namespace that
// owns the whole key.
type OutboxRow struct {
	Key     []byte
	UserID  []byte
	Coin    string
	Payload []byte
}

func outboxKey(kind, coin string, userID []byte, seq uint64) []byte {
	b := make([]byte, 0, len(kind)+len(coin)+len(userID)+10)
	b = append(b, kind...)
	b = append(b, sep)
	b = append(b, coin...)
	b = append(b, sep)
	b = append(b, userID...)
	b = append(b, sep)
	seqB := make([]byte, 8)
	binary.BigEndian.PutUint64(seqB, seq)
	return append(b, seqB...)
}

func outboxPrefix(kind, coin string, userID []byte) []byte {
	b := make([]byte, 0, len(kind)+len(coin)+len(userID)+3)
	b = append(b, kind...)
	b = append(b, sep)
	b = append(b, coin...)
	if userID != nil {
		b = append(b, sep)
		b = append(b, userID...)
	}
	return append(b, sep)
}

// AppendOutbox writes one outbox row. seq must be unique per (kind,coin,
// userID) for the lifetime of the process; callers pass a monotonic
// timestamp or counter.
func (t *Txn) AppendOutbox(kind, coin string, userID []byte, payload []byte, seq uint64) error {
	return t.set(outboxKey(kind, coin, userID, seq), payload)
}

// ScanOutbox returns every row under the given kind/coin (and userID, if
// non-nil) along with their raw keys so the caller can delete them in the
// same Atomic scope.
func (t *Txn) ScanOutbox(kind, coin string, userID []byte) ([]OutboxRow, error) {
	prefix := outboxPrefix(kind, coin, userID)
	var out []OutboxRow
	err := t.iterate(prefix, prefixUpperBound(prefix), func(k, v []byte) (bool, error) {
		out = append(out, OutboxRow{Key: append([]byte(nil), k...), Coin: coin, Payload: append([]byte(nil), v...)})
		return true, nil
	})
	return out, err
}

func (t *Txn) DeleteOutboxKey(key []byte) error {
	return t.del(key)
}

// HasOutboxRows reports whether any row exists under kind/coin without
// draining it — a read outside any Atomic scope (permitted per §5), used by
// the rpcserver's websocket notifier to decide whether a caller has
// something worth polling for.
func (s *Store) HasOutboxRows(kind, coin string) (bool, error) {
	prefix := outboxPrefix(kind, coin, nil)
	found := false
	err := s.iterate(prefix, prefixUpperBound(prefix), func(_, _ []byte) (bool, error) {
		found = true
		return false, nil
	})
	return found, err
}
