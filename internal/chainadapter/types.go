// Package chainadapter defines the ChainAdapter capability (spec.md §4.2):
// the uniform surface every concrete coin engine presents to the
// reconciliation scheduler and the request dispatcher, plus the shared types
// that cross that boundary (distinction models, handles, stats, the
// fatal-error latch, and the outbox sink interfaces).
package chainadapter

import (
	"context"
	"math/big"
)

// Distinction is one of the four attribution models named in spec.md §2/§3.
type Distinction string

const (
	DistinctionAddress     Distinction = "address"
	DistinctionTag         Distinction = "tag"
	DistinctionAmount      Distinction = "amount"
	DistinctionUTXOAddress Distinction = "utxo-address"
)

// GlobalStats mirrors proxyInfo's globalStats object.
type GlobalStats struct {
	Deposit    *big.Int
	Withdrawal *big.Int
	Balance    *big.Int
}

// ProxyInfo is the result of the proxyInfo/getProxyInfo operation.
type ProxyInfo struct {
	CoinType    string
	Decimals    int
	Distinction Distinction
	GlobalStats GlobalStats
}

// AccountStats is the result of accountInfo/getStats.
type AccountStats struct {
	Deposit    *big.Int
	Withdrawal *big.Int
	Pending    *PendingPayout // nil if none active
}

// Handle is a UserDepositHandle row (spec.md §3), shaped generically enough
// to serve all four distinction variants: an address-based handle carries
// Address (and DerivationIndex); a tag-based handle carries Address and Tag;
// an amount-based handle carries Address and Amount.
type Handle struct {
	UserID           []byte
	DerivationIndex  uint64
	Address          string
	Tag              *uint64
	Amount           *big.Int
	ExpectedAmount   *big.Int // amount-based: the value the user must send
}

// PendingPayout is a scheduled withdrawal awaiting broadcast.
type PendingPayout struct {
	UserID  []byte
	Amount  *big.Int
	Address string
	Tag     *uint64
}

// DepositRecord is a confirmed deposit (Transaction row) returned by
// listDeposits.
type DepositRecord struct {
	EntryID     uint64
	UserID      []byte
	Amount      *big.Int
	TxHash      string
	Vout        *uint32
	BlockHash   string
	BlockHeight uint64
	BlockTime   int64
}

// WithdrawalRecord is a WithdrawalTransaction row returned by listWithdrawals.
type WithdrawalRecord struct {
	EntryID     uint64
	UserID      []byte
	Amount      *big.Int
	TxHash      string
	BlockHash   string
	BlockHeight uint64
	Address     string
	Timestamp   int64
}

// DepositSink, WithdrawalSink and RejectionSink are the three outbox tables
// of spec.md §4.5, seen from the adapter side as write-only accumulators so
// that internal/chain/* never imports internal/outbox directly.
type DepositSink interface {
	AppendProcessedDeposit(coin string, userID []byte, payload any) error
}

type WithdrawalSink interface {
	AppendProcessedWithdrawal(coin string, userID []byte, payload any) error
}

type RejectionSink interface {
	AppendRejectedWithdrawal(coin string, userID []byte, payload any) error
}

// Adapter is the capability every concrete coin engine implements (spec.md
// §4.2's table, restated as a Go interface). All methods may perform chain
// RPC; context.Context carries cancellation/timeouts for that I/O.
type Adapter interface {
	Distinction() Distinction
	ProxyInfo(ctx context.Context) (ProxyInfo, error)

	ResolveDepositHandle(ctx context.Context, userID []byte, amount *big.Int) (Handle, error)
	ListAwaitingDeposits(ctx context.Context, userID []byte) ([]Handle, error)
	CancelAwaitingDeposits(ctx context.Context, userID []byte) error

	ScheduleWithdrawal(ctx context.Context, userID []byte, address string, amount *big.Int, tag *uint64) (PendingPayout, error)
	LookupPending(ctx context.Context, userID []byte) (*PendingPayout, error)

	ListDeposits(ctx context.Context, userID []byte, skip int) ([]DepositRecord, error)
	ListWithdrawals(ctx context.Context, userID []byte, skip int) ([]WithdrawalRecord, error)
	AccountInfo(ctx context.Context, userID []byte) (AccountStats, error)

	PollDeposits(ctx context.Context, sink DepositSink) error
	ProcessPending(ctx context.Context, processed WithdrawalSink, rejected RejectionSink) error

	// Latch reports the adapter's sticky fatal error, if any, and lets an
	// operator clear it once the underlying condition is resolved.
	Latch() *Latch
}
