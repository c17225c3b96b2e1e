// Package token implements the amount-based distinction engine (spec.md
// §4.3.3): a fungible ERC-20-style token where every deposit lands on one
// shared root address and a user is attributed by the exact transferred
// value, not by address.
package token

import (
	"context"
	"math/big"
)

// TransferLog is one ERC-20 Transfer event.
type TransferLog struct {
	To          string
	Value       *big.Int
	TxHash      string
	BlockHash   string
	BlockHeight uint64
	BlockTime   int64
}

// Backend is the ERC-20/account-model chain daemon dialect abstracted away
// per spec.md §1: log scanning plus balanceOf/transfer on a single contract.
type Backend interface {
	CurrentHeight(ctx context.Context) (uint64, error)
	// TransferLogs returns every Transfer event with blockHeight in
	// [fromHeight, toHeight], ascending (spec.md §4.3.3 step order).
	TransferLogs(ctx context.Context, fromHeight, toHeight uint64) ([]TransferLog, error)
	BalanceOf(ctx context.Context, address string) (*big.Int, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	// SubmitTransfer signs and broadcasts a token transfer of value to
	// address from the root account, returning the broadcast tx hash.
	SubmitTransfer(ctx context.Context, address string, value *big.Int) (txHash string, err error)
	AwaitReceipt(ctx context.Context, txHash string) (Receipt, error)
}

type Receipt struct {
	BlockHash   string
	BlockHeight uint64
	BlockTime   int64
	Success     bool
}
