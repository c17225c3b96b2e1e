package token

import (
	"fmt"
	"math/big"
	"time"

	"context"

	"github.com/holiman/uint256"

	"github.com/custodyd/custodyd/internal/chain/rpcclient"
)

// transferTopic is the keccak256 of the ERC-20 Transfer(address,address,
// uint256) event signature, the filter topic every production backend scans
// for (spec.md §1 "ERC-20 Transfer log scan").
const transferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

// RPCBackend is the production Backend for an ERC-20 token contract,
// scanning eth_getLogs for Transfer events and calling balanceOf/transfer
// over the shared internal/chain/rpcclient transport.
type RPCBackend struct {
	rpc             *rpcclient.Client
	contractAddress string
}

func NewRPCBackend(rpc *rpcclient.Client, contractAddress string) *RPCBackend {
	return &RPCBackend{rpc: rpc, contractAddress: contractAddress}
}

func (b *RPCBackend) CurrentHeight(ctx context.Context) (uint64, error) {
	var hexVal string
	if err := b.rpc.Call(ctx, &hexVal, "eth_blockNumber"); err != nil {
		return 0, err
	}
	n, err := parseHex(hexVal)
	if err != nil {
		return 0, err
	}
	return n.Uint64(), nil
}

func (b *RPCBackend) TransferLogs(ctx context.Context, fromHeight, toHeight uint64) ([]TransferLog, error) {
	filter := map[string]any{
		"address":   b.contractAddress,
		"topics":    []string{transferTopic},
		"fromBlock": fmt.Sprintf("0x%x", fromHeight),
		"toBlock":   fmt.Sprintf("0x%x", toHeight),
	}
	var raw []struct {
		Topics      []string `json:"topics"`
		Data        string   `json:"data"`
		TxHash      string   `json:"transactionHash"`
		BlockHash   string   `json:"blockHash"`
		BlockNumber string   `json:"blockNumber"`
	}
	if err := b.rpc.Call(ctx, &raw, "eth_getLogs", filter); err != nil {
		return nil, err
	}
	out := make([]TransferLog, 0, len(raw))
	for _, r := range raw {
		if len(r.Topics) < 3 {
			continue
		}
		value, err := parseHex(r.Data)
		if err != nil {
			return nil, err
		}
		height, err := parseHex(r.BlockNumber)
		if err != nil {
			return nil, err
		}
		out = append(out, TransferLog{
			To:          topicToAddress(r.Topics[2]),
			Value:       value,
			TxHash:      r.TxHash,
			BlockHash:   r.BlockHash,
			BlockHeight: height.Uint64(),
		})
	}
	return out, nil
}

func (b *RPCBackend) BalanceOf(ctx context.Context, address string) (*big.Int, error) {
	data := "0x70a08231" + leftPad32(address)
	var hexVal string
	if err := b.rpc.Call(ctx, &hexVal, "eth_call", map[string]any{"to": b.contractAddress, "data": data}, "latest"); err != nil {
		return nil, err
	}
	return parseHex(hexVal)
}

func (b *RPCBackend) GasPrice(ctx context.Context) (*big.Int, error) {
	var hexVal string
	if err := b.rpc.Call(ctx, &hexVal, "eth_gasPrice"); err != nil {
		return nil, err
	}
	return parseHex(hexVal)
}

func (b *RPCBackend) SubmitTransfer(ctx context.Context, address string, value *big.Int) (string, error) {
	data := "0xa9059cbb" + leftPad32(address) + leftPad32Big(value)
	var txHash string
	err := b.rpc.Call(ctx, &txHash, "eth_sendTransaction", map[string]any{"to": b.contractAddress, "data": data})
	return txHash, err
}

func (b *RPCBackend) AwaitReceipt(ctx context.Context, txHash string) (Receipt, error) {
	var raw struct {
		BlockHash   string `json:"blockHash"`
		BlockNumber string `json:"blockNumber"`
		Status      string `json:"status"`
	}
	for {
		if err := b.rpc.Call(ctx, &raw, "eth_getTransactionReceipt", txHash); err != nil {
			return Receipt{}, err
		}
		if raw.BlockNumber != "" {
			break
		}
		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	height, err := parseHex(raw.BlockNumber)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{BlockHash: raw.BlockHash, BlockHeight: height.Uint64(), Success: raw.Status == "0x1"}, nil
}

func parseHex(hexVal string) (*big.Int, error) {
	if hexVal == "" || hexVal == "0x" {
		return big.NewInt(0), nil
	}
	u, err := uint256.FromHex(hexVal)
	if err != nil {
		return nil, fmt.Errorf("token: parse hex quantity %q: %w", hexVal, err)
	}
	return u.ToBig(), nil
}

func topicToAddress(topic string) string {
	if len(topic) < 42 {
		return topic
	}
	return "0x" + topic[len(topic)-40:]
}

func leftPad32(address string) string {
	a := address
	if len(a) >= 2 && a[:2] == "0x" {
		a = a[2:]
	}
	for len(a) < 64 {
		a = "0" + a
	}
	return a
}

func leftPad32Big(n *big.Int) string {
	s := n.Text(16)
	for len(s) < 64 {
		s = "0" + s
	}
	return s
}
