// Package tag implements the tag-based distinction engine (spec.md §4.3.4):
// every deposit lands on the single managed root address, and a user is
// attributed by a destination tag carried on the payment (the XRPL model).
package tag

import (
	"context"
	"math/big"
)

// LedgerTx is one account_tx row already filtered to validated, successful
// Payment transactions.
type LedgerTx struct {
	Hash             string
	LedgerIndex      uint64
	DestinationTag   *uint64
	DeliveredAmount  *big.Int
	IsAccountRootMod bool // last meta node is an AccountRoot modification, i.e. an actual credit
}

// AccountInfo is the subset of account_info this engine reads.
type AccountInfo struct {
	Balance *big.Int
}

// Backend is the XRPL-style ledger dialect abstracted away per spec.md §1.
type Backend interface {
	// AccountTx pages validated transactions to the root address, newest
	// first (spec.md §4.3.4 "pages account_tx descending from the top").
	// marker chains the next page; nil marker requests the first page.
	AccountTx(ctx context.Context, marker any) (txs []LedgerTx, nextMarker any, err error)
	AccountInfo(ctx context.Context) (AccountInfo, error)
	// SubmitPayment signs and submits a Payment to address with the given
	// destination tag (nil for none), returning the result code and hash.
	// A non-success result is not an error the caller retries; it is
	// classified by the caller via chainadapter.AdapterTransient, per
	// spec.md §4.3.4 ("non-success replies latch fatal").
	SubmitPayment(ctx context.Context, address string, value *big.Int, tag *uint64) (txHash string, success bool, err error)
}
