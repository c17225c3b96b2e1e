package account

import (
	"context"
	"fmt"
	"math/big"
)

// BlockTag selects the confirmation depth a balance/nonce read is taken at,
// per spec.md §4.3.1 step 3 ("pending, latest, and latest-confirmations").
// Besides the two named sentinels it can also hold a specific historical
// block height, the same hex-quantity convention the eth_getBalance block
// parameter accepts in place of "pending"/"latest".
type BlockTag string

const (
	TagPending BlockTag = "pending"
	TagLatest  BlockTag = "latest"
)

// TagAtHeight addresses the block at height directly, used to read a
// balance at a specific confirmation depth (latest minus confirmations)
// rather than at the chain head.
func TagAtHeight(height uint64) BlockTag {
	return BlockTag(fmt.Sprintf("0x%x", height))
}

// Receipt is the outcome of an awaited transaction.
type Receipt struct {
	BlockHash   string
	BlockHeight uint64
	BlockTime   int64
	Success     bool
}

// Backend is the account-model chain daemon dialect (eth_* in the canonical
// mapping) abstracted away per spec.md §1. A production binary wires this
// to a real JSON-RPC endpoint over internal/chain/rpcclient; tests wire it
// to an in-memory fake.
type Backend interface {
	// CurrentHeight is the chain head height, the reference point
	// "latest - confirmations" is computed from.
	CurrentHeight(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, address string, tag BlockTag) (*big.Int, error)
	NonceAt(ctx context.Context, address string, tag BlockTag) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)

	// SubmitSweep signs and broadcasts a transfer of value from the
	// derivation-index key at fromIndex to the root address, paying
	// gasUnits*gasPrice in fees, and returns the broadcast tx hash.
	SubmitSweep(ctx context.Context, fromIndex uint64, value *big.Int, gasUnits uint64, gasPrice *big.Int) (txHash string, err error)

	// SubmitWithdrawal signs and broadcasts a transfer of value from the
	// root address to address, returning the broadcast tx hash. An error
	// classified as chainadapter.AdapterReject means the chain itself
	// rejected the submission (insufficient funds, nonce, etc.); any other
	// error is treated as AdapterTransient.
	SubmitWithdrawal(ctx context.Context, address string, value *big.Int) (txHash string, err error)

	// AwaitReceipt blocks until txHash is mined and returns its block.
	AwaitReceipt(ctx context.Context, txHash string) (Receipt, error)
}
