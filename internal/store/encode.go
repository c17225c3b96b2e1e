package store

import (
	"encoding/binary"
	"encoding/json"
	"math/big"
)

// Handle is the on-disk shape of a UserDepositHandle (spec.md §3). Only the
// fields relevant to a coin's distinction are populated.
type Handle struct {
	UserID          []byte
	DerivationIndex uint64
	Address         string
	Tag             *uint64
	ExpectedAmount  *string // decimal string, amount-based only
}

// Transaction is a confirmed-deposit row.
type Transaction struct {
	EntryID     uint64
	UserID      []byte
	Amount      string // decimal string in minimal units
	TxHash      string
	Vout        *uint32
	BlockHash   string
	BlockHeight uint64
	BlockTime   int64
}

// WithdrawalTransaction is a completed-withdrawal row.
type WithdrawalTransaction struct {
	EntryID     uint64
	UserID      []byte
	Amount      string
	TxHash      string
	BlockHash   string
	BlockHeight uint64
	Address     string
	Timestamp   int64
}

// PendingPayout is a scheduled withdrawal awaiting broadcast.
type PendingPayout struct {
	UserID  []byte
	Amount  string
	Address string
	Tag     *uint64
}

// AccountTotals is per-(coin,user) cumulative deposit/withdrawal.
type AccountTotals struct {
	CumulativeDeposit    string
	CumulativeWithdrawal string
}

// GlobalTotals is the per-coin singleton mirroring AccountTotals summed over
// users.
type GlobalTotals struct {
	CumulativeDeposit    string
	CumulativeWithdrawal string
}

// BroadcastIntent records a signed-and-submitted transaction hash before the
// post-broadcast atomic commits, implementing the at-least-once strategy
// SPEC_FULL.md adopts for spec.md §9's broadcast/storage race.
type BroadcastIntent struct {
	UserID []byte
	TxHash string
	Amount string
}

func encodeJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic("store: unencodable record: " + err.Error())
	}
	return b
}

func decodeJSON[T any](b []byte) (T, error) {
	var v T
	if b == nil {
		return v, nil
	}
	err := json.Unmarshal(b, &v)
	return v, err
}

func bigToStr(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

func strToBig(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return n
}

func encodeU64(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func decodeU64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
