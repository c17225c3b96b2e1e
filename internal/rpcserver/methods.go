package rpcserver

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/custodyd/custodyd/internal/chainadapter"
	"github.com/custodyd/custodyd/internal/fixedpoint"
)

// params is the union of every field any of spec.md §6's methods accepts.
// Each method decodes only the fields it needs.
type params struct {
	Coin    string  `json:"coin"`
	User    string  `json:"user"`
	Amount  string  `json:"amount"`
	Address string  `json:"address"`
	Tag     *uint64 `json:"tag"`
	Skip    *int    `json:"skip"`
}

// invoke switches req.Method to the matching dispatch.Dispatcher call,
// decoding raw into a params struct (spec.md §6's table is the source of
// truth for what each method reads and returns).
func (s *Server) invoke(ctx context.Context, method string, raw json.RawMessage) (any, error) {
	var p params
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, chainadapter.Newf(chainadapter.InputValidation, "malformed params")
		}
	}
	skip := 0
	if p.Skip != nil {
		skip = *p.Skip
	}

	switch method {
	case "getProxyInfo":
		info, err := s.d.GetProxyInfo(ctx, p.Coin)
		if err != nil {
			return nil, err
		}
		return proxyInfoJSON(info), nil

	case "getStats":
		stats, err := s.d.GetStats(ctx, p.Coin, p.User)
		if err != nil {
			return nil, err
		}
		decimals, err := s.d.Decimals(p.Coin)
		if err != nil {
			return nil, err
		}
		return statsJSON(stats, decimals), nil

	case "getAllCoinStats":
		all, err := s.d.GetAllCoinStats(ctx, p.User)
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, len(all))
		for coin, stats := range all {
			decimals, err := s.d.Decimals(coin)
			if err != nil {
				return nil, err
			}
			out[coin] = statsJSON(stats, decimals)
		}
		return out, nil

	case "setDeposit":
		h, err := s.d.SetDeposit(ctx, p.Coin, p.User, p.Amount)
		if err != nil {
			return nil, err
		}
		decimals, err := s.d.Decimals(p.Coin)
		if err != nil {
			return nil, err
		}
		return handleJSON(h, decimals), nil

	case "getDeposit":
		handles, err := s.d.GetDeposit(ctx, p.Coin, p.User)
		if err != nil {
			return nil, err
		}
		decimals, err := s.d.Decimals(p.Coin)
		if err != nil {
			return nil, err
		}
		out := make([]any, len(handles))
		for i, h := range handles {
			out[i] = handleJSON(h, decimals)
		}
		return out, nil

	case "deleteDeposit":
		return s.d.DeleteDeposit(ctx, p.Coin, p.User)

	case "setPending":
		p2, err := s.d.SetPending(ctx, p.Coin, p.User, p.Address, p.Amount, p.Tag)
		if err != nil {
			return nil, err
		}
		decimals, err := s.d.Decimals(p.Coin)
		if err != nil {
			return nil, err
		}
		return pendingJSON(p2, decimals), nil

	case "getPending":
		p2, err := s.d.GetPending(ctx, p.Coin, p.User)
		if err != nil {
			return nil, err
		}
		if p2 == nil {
			return nil, nil
		}
		decimals, err := s.d.Decimals(p.Coin)
		if err != nil {
			return nil, err
		}
		return pendingJSON(*p2, decimals), nil

	case "listDeposits":
		rows, err := s.d.ListDeposits(ctx, p.Coin, p.User, skip)
		if err != nil {
			return nil, err
		}
		decimals, err := s.d.Decimals(p.Coin)
		if err != nil {
			return nil, err
		}
		out := make([]any, len(rows))
		for i, r := range rows {
			out[i] = depositJSON(r, decimals)
		}
		return out, nil

	case "listWithdrawals":
		rows, err := s.d.ListWithdrawals(ctx, p.Coin, p.User, skip)
		if err != nil {
			return nil, err
		}
		decimals, err := s.d.Decimals(p.Coin)
		if err != nil {
			return nil, err
		}
		out := make([]any, len(rows))
		for i, r := range rows {
			out[i] = withdrawalJSON(r, decimals)
		}
		return out, nil

	case "listProcessedDeposits":
		return s.d.ListProcessedDeposits(p.Coin, p.User)
	case "listProcessedWithdrawals":
		return s.d.ListProcessedWithdrawals(p.Coin, p.User)
	case "listRejectedWithdrawals":
		return s.d.ListRejectedWithdrawals(p.Coin, p.User)

	default:
		return nil, chainadapter.Newf(chainadapter.InputValidation, fmt.Sprintf("unknown method %q", method))
	}
}

func userIDHex(b []byte) string { return hex.EncodeToString(b) }

func proxyInfoJSON(info chainadapter.ProxyInfo) map[string]any {
	return map[string]any{
		"coinType":    info.CoinType,
		"coinDecimals": info.Decimals,
		"distinction": info.Distinction,
		"globalStats": map[string]any{
			"deposit":    fixedpoint.Format(info.GlobalStats.Deposit, info.Decimals),
			"withdrawal": fixedpoint.Format(info.GlobalStats.Withdrawal, info.Decimals),
			"balance":    fixedpoint.Format(info.GlobalStats.Balance, info.Decimals),
		},
	}
}

func statsJSON(s chainadapter.AccountStats, decimals int) map[string]any {
	out := map[string]any{
		"deposit":    fixedpoint.Format(s.Deposit, decimals),
		"withdrawal": fixedpoint.Format(s.Withdrawal, decimals),
	}
	if s.Pending != nil {
		out["pending"] = pendingJSON(*s.Pending, decimals)
	}
	return out
}

func handleJSON(h chainadapter.Handle, decimals int) map[string]any {
	out := map[string]any{"address": h.Address}
	if h.Tag != nil {
		out["tag"] = *h.Tag
	}
	if h.ExpectedAmount != nil {
		out["amount"] = fixedpoint.Format(h.ExpectedAmount, decimals)
	}
	return out
}

func pendingJSON(p chainadapter.PendingPayout, decimals int) map[string]any {
	out := map[string]any{"address": p.Address, "amount": fixedpoint.Format(p.Amount, decimals)}
	if p.Tag != nil {
		out["tag"] = *p.Tag
	}
	return out
}

func depositJSON(r chainadapter.DepositRecord, decimals int) map[string]any {
	return map[string]any{
		"userId":      userIDHex(r.UserID),
		"amount":      fixedpoint.Format(r.Amount, decimals),
		"txHash":      r.TxHash,
		"blockHeight": r.BlockHeight,
		"blockTime":   r.BlockTime,
	}
}

func withdrawalJSON(r chainadapter.WithdrawalRecord, decimals int) map[string]any {
	return map[string]any{
		"userId":      userIDHex(r.UserID),
		"amount":      fixedpoint.Format(r.Amount, decimals),
		"txHash":      r.TxHash,
		"address":     r.Address,
		"blockHeight": r.BlockHeight,
		"timestamp":   r.Timestamp,
	}
}
