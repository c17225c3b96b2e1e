// Package utxo implements the UTXO-address-based distinction engine
// (spec.md §4.3.2): deposit handles are addresses the external wallet
// produces itself (getnewaddress under a label), not HD-derived, and
// withdrawals go through the wallet's own sendtoaddress.
package utxo

import "context"

// ListedTx is one row of a bitcoind-style listtransactions response.
type ListedTx struct {
	Category      string
	Address       string
	Amount        string // decimal string, wallet-native precision
	TxID          string
	Confirmations int64
	BlockHash     string
}

// BlockHeader is the subset of getblockheader this engine needs.
type BlockHeader struct {
	Height int64
	Time   int64
}

// Backend is the bitcoind-style wallet-RPC dialect abstracted away per
// spec.md §1. A production binary wires this to internal/chain/rpcclient
// against a real daemon; tests wire an in-memory fake.
type Backend interface {
	// ListTransactions returns up to count rows starting at the cursor
	// skip, in the daemon's own order (spec.md §4.3.2 step 1).
	ListTransactions(ctx context.Context, label string, count, skip int) ([]ListedTx, error)
	GetNewAddress(ctx context.Context, label string) (string, error)
	ValidateAddress(ctx context.Context, address string) (bool, error)
	GetBalance(ctx context.Context) (string, error)
	GetBlockHeader(ctx context.Context, blockHash string) (BlockHeader, error)

	// WalletPassphrase unlocks the wallet for timeoutSeconds. A no-op when
	// the backend has no encrypted wallet configured.
	WalletPassphrase(ctx context.Context, passphrase string, timeoutSeconds int) error
	SendToAddress(ctx context.Context, address, amount string) (txHash string, err error)
}
