package utxo

import (
	"context"

	"github.com/custodyd/custodyd/internal/chain/rpcclient"
)

// RPCBackend is the production Backend for a bitcoind-style wallet RPC
// (spec.md §1's "UTXO listtransactions" dialect), wired over the shared
// internal/chain/rpcclient transport with HTTP basic auth
// (backend_options{host,port,username,password}, spec.md §6).
type RPCBackend struct {
	rpc *rpcclient.Client
}

func NewRPCBackend(rpc *rpcclient.Client) *RPCBackend {
	return &RPCBackend{rpc: rpc}
}

func (b *RPCBackend) ListTransactions(ctx context.Context, label string, count, skip int) ([]ListedTx, error) {
	var rows []ListedTx
	if err := b.rpc.Call(ctx, &rows, "listtransactions", label, count, skip); err != nil {
		return nil, err
	}
	return rows, nil
}

func (b *RPCBackend) GetNewAddress(ctx context.Context, label string) (string, error) {
	var addr string
	err := b.rpc.Call(ctx, &addr, "getnewaddress", label)
	return addr, err
}

func (b *RPCBackend) ValidateAddress(ctx context.Context, address string) (bool, error) {
	var result struct {
		IsValid bool `json:"isvalid"`
	}
	if err := b.rpc.Call(ctx, &result, "validateaddress", address); err != nil {
		return false, err
	}
	return result.IsValid, nil
}

func (b *RPCBackend) GetBalance(ctx context.Context) (string, error) {
	var balance string
	err := b.rpc.Call(ctx, &balance, "getbalance")
	return balance, err
}

func (b *RPCBackend) GetBlockHeader(ctx context.Context, blockHash string) (BlockHeader, error) {
	var hdr BlockHeader
	err := b.rpc.Call(ctx, &hdr, "getblockheader", blockHash)
	return hdr, err
}

func (b *RPCBackend) WalletPassphrase(ctx context.Context, passphrase string, timeoutSeconds int) error {
	if passphrase == "" {
		return nil
	}
	return b.rpc.Call(ctx, nil, "walletpassphrase", passphrase, timeoutSeconds)
}

func (b *RPCBackend) SendToAddress(ctx context.Context, address, amount string) (string, error) {
	var txHash string
	err := b.rpc.Call(ctx, &txHash, "sendtoaddress", address, amount)
	return txHash, err
}
