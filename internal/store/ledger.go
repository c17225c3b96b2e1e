package store

import (
	"errors"
	"math/big"
)

// ErrNotFound is returned by lookup helpers when no row exists. Callers at
// the adapter layer treat it as "create lazily" (address/tag) or "no active
// handle" (amount), per spec.md §3 lifecycle notes.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate signals a unique-constraint violation (duplicate txHash,
// duplicate pending, duplicate amount handle): a StateConflict at the
// adapter layer.
var ErrDuplicate = errors.New("store: duplicate key")

// ---- reads (Store methods, may run outside any Atomic scope) ----

func (s *Store) LookupDepositHandle(coin string, userID []byte) (*Handle, error) {
	b, err := s.get(coinKey(coin, tableHandle, userID))
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrNotFound
	}
	h, err := decodeJSON[Handle](b)
	return &h, err
}

func (s *Store) lookupBySecondaryIndex(coin, table string, key []byte) (*Handle, error) {
	uid, err := s.get(coinKey(coin, table, key))
	if err != nil {
		return nil, err
	}
	if uid == nil {
		return nil, ErrNotFound
	}
	return s.LookupDepositHandle(coin, uid)
}

func (s *Store) LookupByAddress(coin, address string) (*Handle, error) {
	return s.lookupBySecondaryIndex(coin, tableHandleByAddr, []byte(address))
}

func (s *Store) LookupByTag(coin string, tag uint64) (*Handle, error) {
	return s.lookupBySecondaryIndex(coin, tableHandleByTag, encodeU64(tag))
}

func (s *Store) LookupByAmount(coin string, amount *big.Int) (*Handle, error) {
	return s.lookupBySecondaryIndex(coin, tableHandleByAmt, []byte(bigToStr(amount)))
}

func (s *Store) TransactionExists(coin, txHash string) (bool, error) {
	b, err := s.get(coinKey(coin, tableTxByHash, []byte(txHash)))
	return b != nil, err
}

func (s *Store) WithdrawalExists(coin, txHash string) (bool, error) {
	b, err := s.get(coinKey(coin, tableWTxByHash, []byte(txHash)))
	return b != nil, err
}

// ListTransactions returns up to limit rows for userID ordered by entryId
// descending, starting after the offset'th most recent (spec.md §4.2
// listDeposits: "last 10 by entryId descending at offset skip").
func (s *Store) ListTransactions(coin string, userID []byte, offset, limit int) ([]Transaction, error) {
	return listByUser[Transaction](s, coin, tableTx, userID, offset, limit)
}

func (s *Store) ListWithdrawals(coin string, userID []byte, offset, limit int) ([]WithdrawalTransaction, error) {
	return listByUser[WithdrawalTransaction](s, coin, tableWTx, userID, offset, limit)
}

// listByUser scans the full per-entry table (small per coin in practice)
// filtering by userID, then returns the page in descending entryId order.
// T must expose a comparable UserID field matched via decode+compare.
func listByUser[T any](s *Store, coin, table string, userID []byte, offset, limit int) ([]T, error) {
	prefix := coinPrefix(coin, table)
	var all []T
	err := s.iterate(prefix, prefixUpperBound(prefix), func(_, v []byte) (bool, error) {
		rec, err := decodeJSON[T](v)
		if err != nil {
			return false, err
		}
		all = append(all, rec)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	filtered := all[:0]
	for _, rec := range all {
		if recordUserID(rec, userID) {
			filtered = append(filtered, rec)
		}
	}
	// entries are keyed by big-endian entryId so iteration is ascending;
	// reverse for "descending by entryId".
	for i, j := 0, len(filtered)-1; i < j; i, j = i+1, j-1 {
		filtered[i], filtered[j] = filtered[j], filtered[i]
	}
	if offset >= len(filtered) {
		return nil, nil
	}
	end := offset + limit
	if end > len(filtered) {
		end = len(filtered)
	}
	return filtered[offset:end], nil
}

func recordUserID(rec any, userID []byte) bool {
	switch r := rec.(type) {
	case Transaction:
		return bytesEqual(r.UserID, userID)
	case WithdrawalTransaction:
		return bytesEqual(r.UserID, userID)
	default:
		return false
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Store) ListAllPending(coin string) ([]PendingPayout, error) {
	prefix := coinPrefix(coin, tablePending)
	var out []PendingPayout
	err := s.iterate(prefix, prefixUpperBound(prefix), func(_, v []byte) (bool, error) {
		p, err := decodeJSON[PendingPayout](v)
		if err != nil {
			return false, err
		}
		out = append(out, p)
		return true, nil
	})
	return out, err
}

func (s *Store) PendingFor(coin string, userID []byte) (*PendingPayout, error) {
	b, err := s.get(coinKey(coin, tablePending, userID))
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrNotFound
	}
	p, err := decodeJSON[PendingPayout](b)
	return &p, err
}

func (s *Store) AccountTotalsOf(coin string, userID []byte) (AccountTotals, error) {
	b, err := s.get(coinKey(coin, tableAccountTot, userID))
	if err != nil || b == nil {
		return AccountTotals{CumulativeDeposit: "0", CumulativeWithdrawal: "0"}, err
	}
	return decodeJSON[AccountTotals](b)
}

func (s *Store) GlobalTotalsOf(coin string) (GlobalTotals, error) {
	b, err := s.get(coinKey(coin, tableGlobalTot))
	if err != nil || b == nil {
		return GlobalTotals{CumulativeDeposit: "0", CumulativeWithdrawal: "0"}, err
	}
	return decodeJSON[GlobalTotals](b)
}

func (s *Store) BackendBalance(coin string) (*big.Int, error) {
	b, err := s.get(coinKey(coin, tableBackendBal))
	if err != nil || b == nil {
		return big.NewInt(0), err
	}
	return strToBig(string(b)), nil
}

// PendingSum returns the aggregate amount of all active pending payouts for
// coin — the admission predicate of invariant 6.
func (s *Store) PendingSum(coin string) (*big.Int, error) {
	all, err := s.ListAllPending(coin)
	if err != nil {
		return nil, err
	}
	sum := big.NewInt(0)
	for _, p := range all {
		sum.Add(sum, strToBig(p.Amount))
	}
	return sum, nil
}

// Watermark is the ProcessedBlockWatermark singleton.
type Watermark struct {
	Height uint64
	Hash   string
}

func (s *Store) BlockProcessed(coin string) (Watermark, error) {
	b, err := s.get(coinKey(coin, tableWatermark))
	if err != nil || b == nil {
		return Watermark{}, err
	}
	return decodeJSON[Watermark](b)
}

func (s *Store) TopDerivationIndex(coin string) (uint64, error) {
	b, err := s.get(coinKey(coin, tableCtrDerive))
	if err != nil || b == nil {
		return 0, err
	}
	return decodeU64(b), nil
}

// ---- writes (Txn methods, always called from inside Store.Atomic) ----

func (t *Txn) InsertDepositHandle(coin string, h Handle) error {
	if uid, err := t.get(coinKey(coin, tableHandle, h.UserID)); err != nil {
		return err
	} else if uid != nil {
		return ErrDuplicate
	}
	// Tag- and amount-based handles all carry the coin's shared root address,
	// so only address-based handles are indexed by address.
	if h.Address != "" && h.Tag == nil && h.ExpectedAmount == nil {
		if existing, err := t.get(coinKey(coin, tableHandleByAddr, []byte(h.Address))); err != nil {
			return err
		} else if existing != nil {
			return ErrDuplicate
		}
		if err := t.set(coinKey(coin, tableHandleByAddr, []byte(h.Address)), h.UserID); err != nil {
			return err
		}
	}
	if h.Tag != nil {
		if existing, err := t.get(coinKey(coin, tableHandleByTag, encodeU64(*h.Tag))); err != nil {
			return err
		} else if existing != nil {
			return ErrDuplicate
		}
		if err := t.set(coinKey(coin, tableHandleByTag, encodeU64(*h.Tag)), h.UserID); err != nil {
			return err
		}
	}
	if h.ExpectedAmount != nil {
		if existing, err := t.get(coinKey(coin, tableHandleByAmt, []byte(*h.ExpectedAmount))); err != nil {
			return err
		} else if existing != nil {
			return ErrDuplicate
		}
		if err := t.set(coinKey(coin, tableHandleByAmt, []byte(*h.ExpectedAmount)), h.UserID); err != nil {
			return err
		}
	}
	return t.set(coinKey(coin, tableHandle, h.UserID), encodeJSON(h))
}

// DeleteAmountHandle removes an amount-based handle (cancelled or consumed,
// §3 lifecycle), clearing both the primary row and the amount index.
func (t *Txn) DeleteAmountHandle(coin string, userID []byte, amount string) error {
	if err := t.del(coinKey(coin, tableHandle, userID)); err != nil {
		return err
	}
	return t.del(coinKey(coin, tableHandleByAmt, []byte(amount)))
}

func (t *Txn) NextDerivationIndex(coin string) (uint64, error) {
	b, err := t.get(coinKey(coin, tableCtrDerive))
	if err != nil {
		return 0, err
	}
	next := decodeU64(b) + 1
	if b == nil {
		next = 0
	}
	if err := t.set(coinKey(coin, tableCtrDerive), encodeU64(next)); err != nil {
		return 0, err
	}
	return next, nil
}

func (t *Txn) NextTag(coin string) (uint64, error) {
	b, err := t.get(coinKey(coin, tableCtrTag))
	if err != nil {
		return 0, err
	}
	next := decodeU64(b) + 1
	if err := t.set(coinKey(coin, tableCtrTag), encodeU64(next)); err != nil {
		return 0, err
	}
	return next, nil
}

func (t *Txn) InsertTransaction(coin string, tx Transaction) (uint64, error) {
	if existing, err := t.get(coinKey(coin, tableTxByHash, []byte(tx.TxHash))); err != nil {
		return 0, err
	} else if existing != nil {
		return 0, ErrDuplicate
	}
	id, err := t.nextCounter(coin, tableCtrTxID)
	if err != nil {
		return 0, err
	}
	tx.EntryID = id
	if err := t.set(coinKey(coin, tableTx, encodeU64(id)), encodeJSON(tx)); err != nil {
		return 0, err
	}
	return id, t.set(coinKey(coin, tableTxByHash, []byte(tx.TxHash)), encodeU64(id))
}

func (t *Txn) InsertWithdrawalTransaction(coin string, wtx WithdrawalTransaction) (uint64, error) {
	if existing, err := t.get(coinKey(coin, tableWTxByHash, []byte(wtx.TxHash))); err != nil {
		return 0, err
	} else if existing != nil {
		return 0, ErrDuplicate
	}
	id, err := t.nextCounter(coin, tableCtrWTxID)
	if err != nil {
		return 0, err
	}
	wtx.EntryID = id
	if err := t.set(coinKey(coin, tableWTx, encodeU64(id)), encodeJSON(wtx)); err != nil {
		return 0, err
	}
	return id, t.set(coinKey(coin, tableWTxByHash, []byte(wtx.TxHash)), encodeU64(id))
}

func (t *Txn) nextCounter(coin, table string) (uint64, error) {
	b, err := t.get(coinKey(coin, table))
	if err != nil {
		return 0, err
	}
	next := decodeU64(b)
	if err := t.set(coinKey(coin, table), encodeU64(next+1)); err != nil {
		return 0, err
	}
	return next, nil
}

// InsertPending enforces invariant 4 (at most one PendingPayout per
// (coin,userId)): it fails with ErrDuplicate if one is already active.
func (t *Txn) InsertPending(coin string, p PendingPayout) error {
	if existing, err := t.get(coinKey(coin, tablePending, p.UserID)); err != nil {
		return err
	} else if existing != nil {
		return ErrDuplicate
	}
	return t.set(coinKey(coin, tablePending, p.UserID), encodeJSON(p))
}

func (t *Txn) DeletePending(coin string, userID []byte) error {
	return t.del(coinKey(coin, tablePending, userID))
}

// UpdateAccountTotals adds d to cumulativeDeposit and w to
// cumulativeWithdrawal, using the upsert pattern described in §4.1: read,
// add, write back (the enclosing Atomic batch gives this the required
// atomicity; no separate INSERT-ON-CONFLICT statement is needed against an
// embedded KV engine).
func (t *Txn) UpdateAccountTotals(coin string, userID []byte, d, w *big.Int) error {
	b, err := t.get(coinKey(coin, tableAccountTot, userID))
	if err != nil {
		return err
	}
	cur := AccountTotals{CumulativeDeposit: "0", CumulativeWithdrawal: "0"}
	if b != nil {
		cur, err = decodeJSON[AccountTotals](b)
		if err != nil {
			return err
		}
	}
	dep := strToBig(cur.CumulativeDeposit)
	wd := strToBig(cur.CumulativeWithdrawal)
	if d != nil {
		dep.Add(dep, d)
	}
	if w != nil {
		wd.Add(wd, w)
	}
	cur.CumulativeDeposit = bigToStr(dep)
	cur.CumulativeWithdrawal = bigToStr(wd)
	return t.set(coinKey(coin, tableAccountTot, userID), encodeJSON(cur))
}

func (t *Txn) UpdateGlobalTotals(coin string, d, w *big.Int) error {
	b, err := t.get(coinKey(coin, tableGlobalTot))
	if err != nil {
		return err
	}
	cur := GlobalTotals{CumulativeDeposit: "0", CumulativeWithdrawal: "0"}
	if b != nil {
		cur, err = decodeJSON[GlobalTotals](b)
		if err != nil {
			return err
		}
	}
	dep := strToBig(cur.CumulativeDeposit)
	wd := strToBig(cur.CumulativeWithdrawal)
	if d != nil {
		dep.Add(dep, d)
	}
	if w != nil {
		wd.Add(wd, w)
	}
	cur.CumulativeDeposit = bigToStr(dep)
	cur.CumulativeWithdrawal = bigToStr(wd)
	return t.set(coinKey(coin, tableGlobalTot), encodeJSON(cur))
}

// RecordProcessedBlock advances the watermark. Callers must ensure
// monotonicity (invariant 7) before calling; this just writes.
func (t *Txn) RecordProcessedBlock(coin string, height uint64, hash string) error {
	return t.set(coinKey(coin, tableWatermark), encodeJSON(Watermark{Height: height, Hash: hash}))
}

func (t *Txn) UpdateBackendBalance(coin string, balance *big.Int) error {
	return t.set(coinKey(coin, tableBackendBal), []byte(bigToStr(balance)))
}

// RecordBroadcastIntent implements the at-least-once strategy of
// SPEC_FULL.md: called in its own small Atomic right after chain submission
// returns the tx hash, before the bookkeeping Atomic.
func (t *Txn) RecordBroadcastIntent(coin string, b BroadcastIntent) error {
	return t.set(coinKey(coin, tableBroadcast, b.UserID), encodeJSON(b))
}

func (t *Txn) ClearBroadcastIntent(coin string, userID []byte) error {
	return t.del(coinKey(coin, tableBroadcast, userID))
}

func (s *Store) BroadcastIntentFor(coin string, userID []byte) (*BroadcastIntent, error) {
	b, err := s.get(coinKey(coin, tableBroadcast, userID))
	if err != nil || b == nil {
		return nil, err
	}
	bi, err := decodeJSON[BroadcastIntent](b)
	return &bi, err
}
