package tag

import (
	"context"
	"fmt"
	"math/big"

	"github.com/custodyd/custodyd/internal/chain/rpcclient"
)

// RPCBackend is the production Backend for a rippled-style ledger (spec.md
// §1's XRPL dialect), wired over the shared internal/chain/rpcclient
// transport against account_tx/account_info/submit.
type RPCBackend struct {
	rpc         *rpcclient.Client
	rootAddress string
}

func NewRPCBackend(rpc *rpcclient.Client, rootAddress string) *RPCBackend {
	return &RPCBackend{rpc: rpc, rootAddress: rootAddress}
}

// AccountTx pages account_tx newest-first. marker round-trips rippled's
// opaque pagination cursor; nil requests the first page.
func (b *RPCBackend) AccountTx(ctx context.Context, marker any) ([]LedgerTx, any, error) {
	params := map[string]any{
		"account":     b.rootAddress,
		"binary":      false,
		"forward":     false,
		"ledger_index_min": -1,
		"ledger_index_max": -1,
	}
	if marker != nil {
		params["marker"] = marker
	}

	var raw struct {
		Marker       any `json:"marker"`
		Transactions []struct {
			Meta struct {
				TransactionResult string `json:"TransactionResult"`
				AffectedNodes     []struct {
					ModifiedNode struct {
						LedgerEntryType string `json:"LedgerEntryType"`
					} `json:"ModifiedNode"`
				} `json:"AffectedNodes"`
				DeliveredAmount string `json:"delivered_amount"`
			} `json:"meta"`
			Tx struct {
				Hash            string `json:"hash"`
				TransactionType string `json:"TransactionType"`
				DestinationTag  *uint64 `json:"DestinationTag"`
				Destination     string `json:"Destination"`
			} `json:"tx"`
			Validated   bool   `json:"validated"`
			LedgerIndex uint64 `json:"ledger_index"`
		} `json:"transactions"`
	}
	if err := b.rpc.Call(ctx, &raw, "account_tx", params); err != nil {
		return nil, nil, err
	}

	out := make([]LedgerTx, 0, len(raw.Transactions))
	for _, t := range raw.Transactions {
		if !t.Validated || t.Tx.TransactionType != "Payment" || t.Meta.TransactionResult != "tesSUCCESS" {
			continue
		}
		if t.Tx.Destination != b.rootAddress {
			continue
		}
		delivered, err := parseDrops(t.Meta.DeliveredAmount)
		if err != nil {
			return nil, nil, err
		}
		isAccountRootMod := false
		if last := len(t.Meta.AffectedNodes) - 1; last >= 0 {
			isAccountRootMod = t.Meta.AffectedNodes[last].ModifiedNode.LedgerEntryType == "AccountRoot"
		}
		out = append(out, LedgerTx{
			Hash:             t.Tx.Hash,
			LedgerIndex:      t.LedgerIndex,
			DestinationTag:   t.Tx.DestinationTag,
			DeliveredAmount:  delivered,
			IsAccountRootMod: isAccountRootMod,
		})
	}
	return out, raw.Marker, nil
}

func (b *RPCBackend) AccountInfo(ctx context.Context) (AccountInfo, error) {
	var raw struct {
		AccountData struct {
			Balance string `json:"Balance"`
		} `json:"account_data"`
	}
	if err := b.rpc.Call(ctx, &raw, "account_info", map[string]any{"account": b.rootAddress}); err != nil {
		return AccountInfo{}, err
	}
	balance, err := parseDrops(raw.AccountData.Balance)
	if err != nil {
		return AccountInfo{}, err
	}
	return AccountInfo{Balance: balance}, nil
}

// SubmitPayment submits a pre-signed-by-convention Payment. As with the
// other engines' RPCBackend, the raw transaction blob construction and
// signing scheme is part of the abstracted chain dialect (spec.md §1); this
// wiring assumes the daemon exposes a submit method keyed by destination,
// amount and tag directly, as a reference validator's admin RPC would for a
// wallet it custodies locally.
func (b *RPCBackend) SubmitPayment(ctx context.Context, address string, value *big.Int, tag *uint64) (string, bool, error) {
	params := map[string]any{
		"destination": address,
		"amount":      value.String(),
	}
	if tag != nil {
		params["destination_tag"] = *tag
	}
	var raw struct {
		EngineResult string `json:"engine_result"`
		Tx           struct {
			Hash string `json:"hash"`
		} `json:"tx_json"`
	}
	if err := b.rpc.Call(ctx, &raw, "submit", params); err != nil {
		return "", false, err
	}
	return raw.Tx.Hash, raw.EngineResult == "tesSUCCESS", nil
}

func parseDrops(drops string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(drops, 10)
	if !ok {
		return nil, fmt.Errorf("tag: parse drops amount %q", drops)
	}
	return n, nil
}
