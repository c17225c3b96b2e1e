// Package account implements the address-based distinction engine for
// account-model chains (spec.md §4.3.1): each user is assigned a fresh
// HD-derived address, deposits are swept to a root address, and withdrawals
// are authored directly from that root address.
package account

import (
	"context"
	"fmt"
	"math/big"

	"github.com/custodyd/custodyd/internal/chainadapter"
	"github.com/custodyd/custodyd/internal/fixedpoint"
	"github.com/custodyd/custodyd/internal/gethlog"
	"github.com/custodyd/custodyd/internal/hdwallet"
	"github.com/custodyd/custodyd/internal/store"
)

// Config is the per-coin options for an account-based engine (spec.md §6
// "account/token: web3_url (wss), mnemonic (BIP-39)").
type Config struct {
	Coin          string
	Decimals      int
	MinimumAmount *big.Int
	Confirmations uint64
	GasUnits      uint64
	StaticFee     *big.Int
	Mnemonic      string
}

type Engine struct {
	cfg     Config
	st      *store.Store
	backend Backend
	wallet  *hdwallet.Wallet
	log     gethlog.Logger
	latch   chainadapter.Latch
}

func New(cfg Config, st *store.Store, backend Backend, log gethlog.Logger) (*Engine, error) {
	w, err := hdwallet.New(cfg.Mnemonic)
	if err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, st: st, backend: backend, wallet: w, log: log.With("coin", cfg.Coin, "engine", "account")}, nil
}

func (e *Engine) Distinction() chainadapter.Distinction { return chainadapter.DistinctionAddress }
func (e *Engine) Latch() *chainadapter.Latch            { return &e.latch }

func (e *Engine) ProxyInfo(context.Context) (chainadapter.ProxyInfo, error) {
	gt, err := e.st.GlobalTotalsOf(e.cfg.Coin)
	if err != nil {
		return chainadapter.ProxyInfo{}, err
	}
	bal, err := e.st.BackendBalance(e.cfg.Coin)
	if err != nil {
		return chainadapter.ProxyInfo{}, err
	}
	return chainadapter.ProxyInfo{
		CoinType:    e.cfg.Coin,
		Decimals:    e.cfg.Decimals,
		Distinction: e.Distinction(),
		GlobalStats: chainadapter.GlobalStats{
			Deposit:    bigFromStr(gt.CumulativeDeposit),
			Withdrawal: bigFromStr(gt.CumulativeWithdrawal),
			Balance:    bal,
		},
	}, nil
}

func bigFromStr(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return n
}

// ResolveDepositHandle creates (lazily, on first call) or returns the user's
// single HD-derived address. amount is ignored: address-based handles carry
// no expected amount.
func (e *Engine) ResolveDepositHandle(ctx context.Context, userID []byte, _ *big.Int) (chainadapter.Handle, error) {
	if h, err := e.st.LookupDepositHandle(e.cfg.Coin, userID); err == nil {
		return toAdapterHandle(*h), nil
	} else if err != store.ErrNotFound {
		return chainadapter.Handle{}, chainadapter.Wrap(chainadapter.StorageFatal, err)
	}

	var created store.Handle
	err := e.st.Atomic(func(txn *store.Txn) error {
		idx, err := txn.NextDerivationIndex(e.cfg.Coin)
		if err != nil {
			return err
		}
		key := e.wallet.Derive(idx + 1) // index 0 reserved for the root address
		created = store.Handle{UserID: userID, DerivationIndex: idx + 1, Address: key.Address}
		return txn.InsertDepositHandle(e.cfg.Coin, created)
	})
	if err != nil {
		return chainadapter.Handle{}, chainadapter.Wrap(chainadapter.StorageFatal, err)
	}
	return toAdapterHandle(created), nil
}

func toAdapterHandle(h store.Handle) chainadapter.Handle {
	return chainadapter.Handle{UserID: h.UserID, DerivationIndex: h.DerivationIndex, Address: h.Address, Tag: h.Tag}
}

func (e *Engine) ListAwaitingDeposits(ctx context.Context, userID []byte) ([]chainadapter.Handle, error) {
	h, err := e.st.LookupDepositHandle(e.cfg.Coin, userID)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, chainadapter.Wrap(chainadapter.StorageFatal, err)
	}
	return []chainadapter.Handle{toAdapterHandle(*h)}, nil
}

// CancelAwaitingDeposits is a no-op for address-based coins (spec.md §4.2).
func (e *Engine) CancelAwaitingDeposits(context.Context, []byte) error { return nil }

func (e *Engine) ScheduleWithdrawal(ctx context.Context, userID []byte, address string, amount *big.Int, tag *uint64) (chainadapter.PendingPayout, error) {
	if err := e.latch.Get(); err != nil {
		return chainadapter.PendingPayout{}, err
	}
	rootAddr := e.wallet.RootAddress()
	if address == rootAddr {
		return chainadapter.PendingPayout{}, chainadapter.Newf(chainadapter.InputValidation, "destination equals a managed address")
	}
	minPlusFee := new(big.Int).Add(e.cfg.MinimumAmount, feeFloor(e.cfg))
	if amount.Cmp(minPlusFee) < 0 {
		return chainadapter.PendingPayout{}, chainadapter.Newf(chainadapter.InputValidation, "amount below minimum plus fee")
	}

	if existing, err := e.st.PendingFor(e.cfg.Coin, userID); err == nil && existing != nil {
		return chainadapter.PendingPayout{}, chainadapter.Newf(chainadapter.StateConflict, "pending withdrawal already scheduled")
	} else if err != nil && err != store.ErrNotFound {
		return chainadapter.PendingPayout{}, chainadapter.Wrap(chainadapter.StorageFatal, err)
	}

	backendBal, err := e.st.BackendBalance(e.cfg.Coin)
	if err != nil {
		return chainadapter.PendingPayout{}, chainadapter.Wrap(chainadapter.StorageFatal, err)
	}
	pendingSum, err := e.st.PendingSum(e.cfg.Coin)
	if err != nil {
		return chainadapter.PendingPayout{}, chainadapter.Wrap(chainadapter.StorageFatal, err)
	}
	if new(big.Int).Add(pendingSum, amount).Cmp(backendBal) > 0 {
		return chainadapter.PendingPayout{}, chainadapter.Newf(chainadapter.StateConflict, "insufficient backend balance for admission")
	}

	p := store.PendingPayout{UserID: userID, Amount: amount.String(), Address: address}
	if err := e.st.Atomic(func(txn *store.Txn) error { return txn.InsertPending(e.cfg.Coin, p) }); err != nil {
		if err == store.ErrDuplicate {
			return chainadapter.PendingPayout{}, chainadapter.Newf(chainadapter.StateConflict, "pending withdrawal already scheduled")
		}
		return chainadapter.PendingPayout{}, chainadapter.Wrap(chainadapter.StorageFatal, err)
	}
	return chainadapter.PendingPayout{UserID: userID, Amount: amount, Address: address}, nil
}

func feeFloor(cfg Config) *big.Int {
	if cfg.StaticFee != nil {
		return cfg.StaticFee
	}
	return big.NewInt(0)
}

func (e *Engine) LookupPending(ctx context.Context, userID []byte) (*chainadapter.PendingPayout, error) {
	p, err := e.st.PendingFor(e.cfg.Coin, userID)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, chainadapter.Wrap(chainadapter.StorageFatal, err)
	}
	return &chainadapter.PendingPayout{UserID: p.UserID, Amount: bigFromStr(p.Amount), Address: p.Address, Tag: p.Tag}, nil
}

func (e *Engine) ListDeposits(ctx context.Context, userID []byte, skip int) ([]chainadapter.DepositRecord, error) {
	rows, err := e.st.ListTransactions(e.cfg.Coin, userID, skip, 10)
	if err != nil {
		return nil, chainadapter.Wrap(chainadapter.StorageFatal, err)
	}
	out := make([]chainadapter.DepositRecord, len(rows))
	for i, r := range rows {
		out[i] = chainadapter.DepositRecord{EntryID: r.EntryID, UserID: r.UserID, Amount: bigFromStr(r.Amount), TxHash: r.TxHash, BlockHash: r.BlockHash, BlockHeight: r.BlockHeight, BlockTime: r.BlockTime}
	}
	return out, nil
}

func (e *Engine) ListWithdrawals(ctx context.Context, userID []byte, skip int) ([]chainadapter.WithdrawalRecord, error) {
	rows, err := e.st.ListWithdrawals(e.cfg.Coin, userID, skip, 10)
	if err != nil {
		return nil, chainadapter.Wrap(chainadapter.StorageFatal, err)
	}
	out := make([]chainadapter.WithdrawalRecord, len(rows))
	for i, r := range rows {
		out[i] = chainadapter.WithdrawalRecord{EntryID: r.EntryID, UserID: r.UserID, Amount: bigFromStr(r.Amount), TxHash: r.TxHash, BlockHash: r.BlockHash, BlockHeight: r.BlockHeight, Address: r.Address, Timestamp: r.Timestamp}
	}
	return out, nil
}

func (e *Engine) AccountInfo(ctx context.Context, userID []byte) (chainadapter.AccountStats, error) {
	at, err := e.st.AccountTotalsOf(e.cfg.Coin, userID)
	if err != nil {
		return chainadapter.AccountStats{}, chainadapter.Wrap(chainadapter.StorageFatal, err)
	}
	pending, err := e.LookupPending(ctx, userID)
	if err != nil {
		return chainadapter.AccountStats{}, err
	}
	return chainadapter.AccountStats{Deposit: bigFromStr(at.CumulativeDeposit), Withdrawal: bigFromStr(at.CumulativeWithdrawal), Pending: pending}, nil
}

// PollDeposits implements spec.md §4.3.1's deposit pass.
func (e *Engine) PollDeposits(ctx context.Context, sink chainadapter.DepositSink) error {
	if lerr := e.latch.Get(); lerr != nil {
		return lerr
	}

	counter, err := e.st.TopDerivationIndex(e.cfg.Coin)
	if err != nil {
		return e.fatal(chainadapter.Wrap(chainadapter.StorageFatal, err))
	}
	gasPrice, err := e.backend.GasPrice(ctx)
	if err != nil {
		return e.fatal(chainadapter.Wrap(chainadapter.AdapterTransient, err))
	}
	height, err := e.backend.CurrentHeight(ctx)
	if err != nil {
		return e.fatal(chainadapter.Wrap(chainadapter.AdapterTransient, err))
	}

	// NextDerivationIndex hands out 0,1,2,... and this engine offsets every
	// assigned handle by one to keep index 0 reserved for the root address,
	// so the highest handle index in use is counter+1.
	top := counter + 1
	for idx := uint64(1); idx <= top; idx++ {
		h, err := e.st.LookupByAddress(e.cfg.Coin, e.wallet.Derive(idx).Address)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return e.fatal(chainadapter.Wrap(chainadapter.StorageFatal, err))
		}

		// step 2: sanity-check the stored address against the derivation.
		if h.Address != e.wallet.Derive(idx).Address {
			return e.fatal(chainadapter.Newf(chainadapter.ProgrammerError, "derived address mismatch at index "+fmt.Sprint(idx)))
		}

		if height < e.cfg.Confirmations {
			continue // chain too young to have anything at depth confirmations yet
		}
		pending, err := e.backend.BalanceAt(ctx, h.Address, TagPending)
		if err != nil {
			return e.fatal(chainadapter.Wrap(chainadapter.AdapterTransient, err))
		}
		latest, err := e.backend.BalanceAt(ctx, h.Address, TagLatest)
		if err != nil {
			return e.fatal(chainadapter.Wrap(chainadapter.AdapterTransient, err))
		}
		confirmed, err := e.backend.BalanceAt(ctx, h.Address, TagAtHeight(height-e.cfg.Confirmations))
		if err != nil {
			return e.fatal(chainadapter.Wrap(chainadapter.AdapterTransient, err))
		}
		if pending.Cmp(latest) != 0 || latest.Cmp(confirmed) != 0 {
			continue // in-flight activity: skip this pass
		}
		if latest.Cmp(e.cfg.MinimumAmount) < 0 {
			continue
		}

		fee := new(big.Int).Mul(big.NewInt(int64(e.cfg.GasUnits)), gasPrice)
		sweepValue := new(big.Int).Sub(latest, fee)
		if sweepValue.Sign() <= 0 {
			continue
		}

		txHash, err := e.backend.SubmitSweep(ctx, idx, sweepValue, e.cfg.GasUnits, gasPrice)
		if err != nil {
			return e.fatal(chainadapter.Wrap(chainadapter.AdapterTransient, err))
		}
		receipt, err := e.backend.AwaitReceipt(ctx, txHash)
		if err != nil {
			return e.fatal(chainadapter.Wrap(chainadapter.AdapterTransient, err))
		}

		err = e.st.Atomic(func(txn *store.Txn) error {
			if err := txn.UpdateAccountTotals(e.cfg.Coin, h.UserID, sweepValue, nil); err != nil {
				return err
			}
			if err := txn.UpdateGlobalTotals(e.cfg.Coin, sweepValue, nil); err != nil {
				return err
			}
			_, err := txn.InsertTransaction(e.cfg.Coin, store.Transaction{
				UserID: h.UserID, Amount: sweepValue.String(), TxHash: txHash,
				BlockHash: receipt.BlockHash, BlockHeight: receipt.BlockHeight, BlockTime: receipt.BlockTime,
			})
			return err
		})
		if err != nil {
			if err == store.ErrDuplicate {
				continue // already recorded by a previous, partially-failed pass
			}
			return e.fatal(chainadapter.Wrap(chainadapter.StorageFatal, err))
		}
		if err := sink.AppendProcessedDeposit(e.cfg.Coin, h.UserID, map[string]any{
			"userId": fmt.Sprintf("%x", h.UserID), "amount": fixedpoint.Format(sweepValue, e.cfg.Decimals), "txHash": txHash,
		}); err != nil {
			return e.fatal(chainadapter.Wrap(chainadapter.StorageFatal, err))
		}
	}
	return nil
}

// ProcessPending implements spec.md §4.3.1's payout pass.
func (e *Engine) ProcessPending(ctx context.Context, processed chainadapter.WithdrawalSink, rejected chainadapter.RejectionSink) error {
	if lerr := e.latch.Get(); lerr != nil {
		return lerr
	}

	all, err := e.st.ListAllPending(e.cfg.Coin)
	if err != nil {
		return e.fatal(chainadapter.Wrap(chainadapter.StorageFatal, err))
	}
	rootAddr := e.wallet.RootAddress()
	pendingNonce, err := e.backend.NonceAt(ctx, rootAddr, TagPending)
	if err != nil {
		return e.fatal(chainadapter.Wrap(chainadapter.AdapterTransient, err))
	}
	latestNonce, err := e.backend.NonceAt(ctx, rootAddr, TagLatest)
	if err != nil {
		return e.fatal(chainadapter.Wrap(chainadapter.AdapterTransient, err))
	}
	if pendingNonce != latestNonce {
		return nil // another process may be racing; retry next tick.
	}

	gasPrice, err := e.backend.GasPrice(ctx)
	if err != nil {
		return e.fatal(chainadapter.Wrap(chainadapter.AdapterTransient, err))
	}
	rootBalance, err := e.backend.BalanceAt(ctx, rootAddr, TagLatest)
	if err != nil {
		return e.fatal(chainadapter.Wrap(chainadapter.AdapterTransient, err))
	}

	for _, p := range all {
		amount := bigFromStr(p.Amount)
		if amount.Cmp(rootBalance) >= 0 {
			return e.fatal(chainadapter.Newf(chainadapter.ProgrammerError, "pending payout exceeds root balance"))
		}

		intent, err := e.st.BroadcastIntentFor(e.cfg.Coin, p.UserID)
		if err != nil {
			return e.fatal(chainadapter.Wrap(chainadapter.StorageFatal, err))
		}

		var txHash string
		var transferAmount *big.Int
		if intent != nil {
			// A previous pass broadcast this withdrawal and then failed
			// before the bookkeeping atomic committed. Finish the
			// bookkeeping against the already-broadcast tx instead of
			// submitting a duplicate transfer.
			txHash = intent.TxHash
			transferAmount = bigFromStr(intent.Amount)
		} else {
			fee := new(big.Int).Mul(big.NewInt(int64(e.cfg.GasUnits)), gasPrice)
			transferAmount = new(big.Int).Sub(amount, fee)
			transferAmount.Sub(transferAmount, feeFloor(e.cfg))

			txHash, err = e.backend.SubmitWithdrawal(ctx, p.Address, transferAmount)
			if err != nil {
				if chainadapter.KindOf(err) == chainadapter.AdapterReject {
					if delErr := e.st.Atomic(func(txn *store.Txn) error { return txn.DeletePending(e.cfg.Coin, p.UserID) }); delErr != nil {
						return e.fatal(chainadapter.Wrap(chainadapter.StorageFatal, delErr))
					}
					if sinkErr := rejected.AppendRejectedWithdrawal(e.cfg.Coin, p.UserID, map[string]any{
						"userId": fmt.Sprintf("%x", p.UserID), "reason": err.Error(),
					}); sinkErr != nil {
						return e.fatal(chainadapter.Wrap(chainadapter.StorageFatal, sinkErr))
					}
					continue
				}
				return e.fatal(chainadapter.Wrap(chainadapter.AdapterTransient, err))
			}

			if err := e.st.Atomic(func(txn *store.Txn) error {
				return txn.RecordBroadcastIntent(e.cfg.Coin, store.BroadcastIntent{UserID: p.UserID, TxHash: txHash, Amount: transferAmount.String()})
			}); err != nil {
				return e.fatal(chainadapter.Wrap(chainadapter.StorageFatal, err))
			}
		}

		receipt, err := e.backend.AwaitReceipt(ctx, txHash)
		if err != nil {
			return e.fatal(chainadapter.Wrap(chainadapter.AdapterTransient, err))
		}

		err = e.st.Atomic(func(txn *store.Txn) error {
			if err := txn.UpdateAccountTotals(e.cfg.Coin, p.UserID, nil, transferAmount); err != nil {
				return err
			}
			if err := txn.UpdateGlobalTotals(e.cfg.Coin, nil, transferAmount); err != nil {
				return err
			}
			if err := txn.DeletePending(e.cfg.Coin, p.UserID); err != nil {
				return err
			}
			if _, err := txn.InsertWithdrawalTransaction(e.cfg.Coin, store.WithdrawalTransaction{
				UserID: p.UserID, Amount: transferAmount.String(), TxHash: txHash,
				BlockHash: receipt.BlockHash, BlockHeight: receipt.BlockHeight, Address: p.Address, Timestamp: receipt.BlockTime,
			}); err != nil {
				return err
			}
			return txn.ClearBroadcastIntent(e.cfg.Coin, p.UserID)
		})
		if err != nil {
			// Broadcast already succeeded and BroadcastIntent is still
			// recorded; the next pass reads it back at the top of this
			// loop and completes the bookkeeping instead of resubmitting.
			return e.fatal(chainadapter.Wrap(chainadapter.StorageFatal, err))
		}
		if err := processed.AppendProcessedWithdrawal(e.cfg.Coin, p.UserID, map[string]any{
			"userId": fmt.Sprintf("%x", p.UserID), "amount": fixedpoint.Format(transferAmount, e.cfg.Decimals), "txHash": txHash,
		}); err != nil {
			return e.fatal(chainadapter.Wrap(chainadapter.StorageFatal, err))
		}
	}
	return nil
}

func (e *Engine) fatal(err *chainadapter.Error) error {
	e.latch.Set(err)
	e.log.Error("adapter latched", "err", err)
	return err
}
