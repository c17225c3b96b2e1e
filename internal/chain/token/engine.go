package token

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/rand"

	"github.com/custodyd/custodyd/internal/chainadapter"
	"github.com/custodyd/custodyd/internal/fixedpoint"
	"github.com/custodyd/custodyd/internal/gethlog"
	"github.com/custodyd/custodyd/internal/store"
)

// Config is the per-coin options for an amount-based token engine (spec.md
// §6 "account/token: web3_url (wss), mnemonic (BIP-39), contract_address?").
type Config struct {
	Coin          string
	Decimals      int
	MinimumAmount *big.Int
	Confirmations uint64
	StaticFee     *big.Int
	RootAddress   string
}

var errUniquenessFailed = errors.New("token: could not find a unique amount within bounded attempts")

const maxPerturbAttempts = 16

type Engine struct {
	cfg     Config
	st      *store.Store
	backend Backend
	log     gethlog.Logger
	latch   chainadapter.Latch
}

func New(cfg Config, st *store.Store, backend Backend, log gethlog.Logger) *Engine {
	return &Engine{cfg: cfg, st: st, backend: backend, log: log.With("coin", cfg.Coin, "engine", "token")}
}

func (e *Engine) Distinction() chainadapter.Distinction { return chainadapter.DistinctionAmount }
func (e *Engine) Latch() *chainadapter.Latch            { return &e.latch }

func bigFromStr(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return n
}

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
		GlobalStats: chainadapter.GlobalStats{Deposit: bigFromStr(gt.CumulativeDeposit), Withdrawal: bigFromStr(gt.CumulativeWithdrawal), Balance: bal},
	}, nil
}

// ResolveDepositHandle implements spec.md §4.3.3 step 1: it reserves amount
// (or a nearby perturbation of it) as the exact value the user must send.
func (e *Engine) ResolveDepositHandle(ctx context.Context, userID []byte, amount *big.Int) (chainadapter.Handle, error) {
	if h, err := e.st.LookupDepositHandle(e.cfg.Coin, userID); err == nil {
		return toAdapterHandle(*h), nil
	} else if err != store.ErrNotFound {
		return chainadapter.Handle{}, chainadapter.Wrap(chainadapter.StorageFatal, err)
	}
	if amount == nil {
		return chainadapter.Handle{}, chainadapter.Newf(chainadapter.InputValidation, "amount is required for an amount-based deposit")
	}

	var effective *big.Int
	err := e.st.Atomic(func(txn *store.Txn) error {
		for attempt := 0; attempt < maxPerturbAttempts; attempt++ {
			candidate := new(big.Int).Set(amount)
			if attempt > 0 {
				adj := rand.Intn(256) - 128 // [-128, +127], spec.md §9 "Amount perturbation"
				candidate.Add(amount, big.NewInt(int64(adj)))
				if candidate.Sign() < 0 {
					continue
				}
			}
			amtStr := candidate.String()
			h := store.Handle{UserID: userID, Address: e.cfg.RootAddress, ExpectedAmount: &amtStr}
			err := txn.InsertDepositHandle(e.cfg.Coin, h)
			if err == nil {
				effective = candidate
				return nil
			}
			if err != store.ErrDuplicate {
				return err
			}
		}
		return errUniquenessFailed
	})
	if err == errUniquenessFailed {
		return chainadapter.Handle{}, chainadapter.Newf(chainadapter.StateConflict, "could not allocate a unique deposit amount")
	}
	if err != nil {
		return chainadapter.Handle{}, chainadapter.Wrap(chainadapter.StorageFatal, err)
	}
	return chainadapter.Handle{UserID: userID, Address: e.cfg.RootAddress, Amount: effective, ExpectedAmount: effective}, nil
}

func toAdapterHandle(h store.Handle) chainadapter.Handle {
	out := chainadapter.Handle{UserID: h.UserID, Address: h.Address, Tag: h.Tag}
	if h.ExpectedAmount != nil {
		amt := bigFromStr(*h.ExpectedAmount)
		out.Amount, out.ExpectedAmount = amt, amt
	}
	return out
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

// CancelAwaitingDeposits deletes the user's amount-based handle, per
// spec.md §4.2 ("deletes amount-based handles").
func (e *Engine) CancelAwaitingDeposits(ctx context.Context, userID []byte) error {
	h, err := e.st.LookupDepositHandle(e.cfg.Coin, userID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return chainadapter.Wrap(chainadapter.StorageFatal, err)
	}
	if h.ExpectedAmount == nil {
		return nil
	}
	amt := *h.ExpectedAmount
	if err := e.st.Atomic(func(txn *store.Txn) error { return txn.DeleteAmountHandle(e.cfg.Coin, userID, amt) }); err != nil {
		return chainadapter.Wrap(chainadapter.StorageFatal, err)
	}
	return nil
}

func (e *Engine) ScheduleWithdrawal(ctx context.Context, userID []byte, address string, amount *big.Int, tag *uint64) (chainadapter.PendingPayout, error) {
	if err := e.latch.Get(); err != nil {
		return chainadapter.PendingPayout{}, err
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
	// invariant 6: amount <= backendBalance - pendingSum
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

// PollDeposits implements spec.md §4.3.3's Transfer-log scan.
func (e *Engine) PollDeposits(ctx context.Context, sink chainadapter.DepositSink) error {
	if lerr := e.latch.Get(); lerr != nil {
		return lerr
	}

	watermark, err := e.st.BlockProcessed(e.cfg.Coin)
	if err != nil {
		return e.fatal(chainadapter.Wrap(chainadapter.StorageFatal, err))
	}
	current, err := e.backend.CurrentHeight(ctx)
	if err != nil {
		return e.fatal(chainadapter.Wrap(chainadapter.AdapterTransient, err))
	}
	if current <= e.cfg.Confirmations {
		return nil
	}
	toHeight := current - e.cfg.Confirmations
	fromHeight := watermark.Height + 1
	if toHeight < fromHeight {
		return nil
	}

	logs, err := e.backend.TransferLogs(ctx, fromHeight, toHeight)
	if err != nil {
		return e.fatal(chainadapter.Wrap(chainadapter.AdapterTransient, err))
	}

	for _, ev := range logs {
		if ev.To != e.cfg.RootAddress {
			continue
		}
		handle, err := e.st.LookupByAmount(e.cfg.Coin, ev.Value)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return e.fatal(chainadapter.Wrap(chainadapter.StorageFatal, err))
		}

		err = e.st.Atomic(func(txn *store.Txn) error {
			if err := txn.UpdateAccountTotals(e.cfg.Coin, handle.UserID, ev.Value, nil); err != nil {
				return err
			}
			if err := txn.UpdateGlobalTotals(e.cfg.Coin, ev.Value, nil); err != nil {
				return err
			}
			if _, err := txn.InsertTransaction(e.cfg.Coin, store.Transaction{
				UserID: handle.UserID, Amount: ev.Value.String(), TxHash: ev.TxHash,
				BlockHash: ev.BlockHash, BlockHeight: ev.BlockHeight, BlockTime: ev.BlockTime,
			}); err != nil && err != store.ErrDuplicate {
				return err
			}
			return txn.DeleteAmountHandle(e.cfg.Coin, handle.UserID, ev.Value.String())
		})
		if err != nil {
			return e.fatal(chainadapter.Wrap(chainadapter.StorageFatal, err))
		}
		if err := sink.AppendProcessedDeposit(e.cfg.Coin, handle.UserID, map[string]any{
			"userId": fmt.Sprintf("%x", handle.UserID), "amount": fixedpoint.Format(ev.Value, e.cfg.Decimals), "txHash": ev.TxHash,
		}); err != nil {
			return e.fatal(chainadapter.Wrap(chainadapter.StorageFatal, err))
		}
	}

	balance, err := e.backend.BalanceOf(ctx, e.cfg.RootAddress)
	if err != nil {
		return e.fatal(chainadapter.Wrap(chainadapter.AdapterTransient, err))
	}
	err = e.st.Atomic(func(txn *store.Txn) error {
		if err := txn.RecordProcessedBlock(e.cfg.Coin, toHeight, ""); err != nil {
			return err
		}
		return txn.UpdateBackendBalance(e.cfg.Coin, balance)
	})
	if err != nil {
		return e.fatal(chainadapter.Wrap(chainadapter.StorageFatal, err))
	}
	return nil
}

// ProcessPending implements spec.md §4.3.3's payout pass.
func (e *Engine) ProcessPending(ctx context.Context, processed chainadapter.WithdrawalSink, rejected chainadapter.RejectionSink) error {
	if lerr := e.latch.Get(); lerr != nil {
		return lerr
	}

	all, err := e.st.ListAllPending(e.cfg.Coin)
	if err != nil {
		return e.fatal(chainadapter.Wrap(chainadapter.StorageFatal, err))
	}

	for _, p := range all {
		amount := bigFromStr(p.Amount)

		intent, err := e.st.BroadcastIntentFor(e.cfg.Coin, p.UserID)
		if err != nil {
			return e.fatal(chainadapter.Wrap(chainadapter.StorageFatal, err))
		}

		var txHash string
		var transferAmount *big.Int
		if intent != nil {
			// A previous pass broadcast this transfer and then failed
			// before the bookkeeping atomic committed. Finish the
			// bookkeeping against the already-broadcast tx instead of
			// submitting a duplicate transfer.
			txHash = intent.TxHash
			transferAmount = bigFromStr(intent.Amount)
		} else {
			transferAmount = new(big.Int).Sub(amount, feeFloor(e.cfg))
			if transferAmount.Sign() <= 0 {
				if err := e.dropRejected(p, rejected, "amount below fee"); err != nil {
					return err
				}
				continue
			}

			txHash, err = e.backend.SubmitTransfer(ctx, p.Address, transferAmount)
			if err != nil {
				if chainadapter.KindOf(err) == chainadapter.AdapterReject {
					if err := e.dropRejected(p, rejected, err.Error()); err != nil {
						return err
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

func (e *Engine) dropRejected(p store.PendingPayout, rejected chainadapter.RejectionSink, reason string) error {
	if err := e.st.Atomic(func(txn *store.Txn) error { return txn.DeletePending(e.cfg.Coin, p.UserID) }); err != nil {
		return e.fatal(chainadapter.Wrap(chainadapter.StorageFatal, err))
	}
	if err := rejected.AppendRejectedWithdrawal(e.cfg.Coin, p.UserID, map[string]any{
		"userId": fmt.Sprintf("%x", p.UserID), "reason": reason,
	}); err != nil {
		return e.fatal(chainadapter.Wrap(chainadapter.StorageFatal, err))
	}
	return nil
}

func (e *Engine) fatal(err *chainadapter.Error) error {
	e.latch.Set(err)
	e.log.Error("adapter latched", "err", err)
	return err
}
