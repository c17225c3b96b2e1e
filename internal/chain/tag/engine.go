package tag

import (
	"context"
	"fmt"
	"math/big"

	"github.com/custodyd/custodyd/internal/chainadapter"
	"github.com/custodyd/custodyd/internal/fixedpoint"
	"github.com/custodyd/custodyd/internal/gethlog"
	"github.com/custodyd/custodyd/internal/store"
)

// Config is the per-coin options for a tag engine (spec.md §6 "tag —
// backend_url, mnemonic").
type Config struct {
	Coin          string
	Decimals      int
	MinimumAmount *big.Int
	RootAddress   string
}

type Engine struct {
	cfg     Config
	st      *store.Store
	backend Backend
	log     gethlog.Logger
	latch   chainadapter.Latch
}

func New(cfg Config, st *store.Store, backend Backend, log gethlog.Logger) *Engine {
	return &Engine{cfg: cfg, st: st, backend: backend, log: log.With("coin", cfg.Coin, "engine", "tag")}
}

func (e *Engine) Distinction() chainadapter.Distinction { return chainadapter.DistinctionTag }
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

// ResolveDepositHandle returns the root address plus a monotonically
// allocated tag unique per user (spec.md §4.3.4).
func (e *Engine) ResolveDepositHandle(ctx context.Context, userID []byte, _ *big.Int) (chainadapter.Handle, error) {
	if h, err := e.st.LookupDepositHandle(e.cfg.Coin, userID); err == nil {
		return toAdapterHandle(*h), nil
	} else if err != store.ErrNotFound {
		return chainadapter.Handle{}, chainadapter.Wrap(chainadapter.StorageFatal, err)
	}

	var created store.Handle
	err := e.st.Atomic(func(txn *store.Txn) error {
		tag, err := txn.NextTag(e.cfg.Coin)
		if err != nil {
			return err
		}
		created = store.Handle{UserID: userID, Address: e.cfg.RootAddress, Tag: &tag}
		return txn.InsertDepositHandle(e.cfg.Coin, created)
	})
	if err != nil {
		return chainadapter.Handle{}, chainadapter.Wrap(chainadapter.StorageFatal, err)
	}
	return toAdapterHandle(created), nil
}

func toAdapterHandle(h store.Handle) chainadapter.Handle {
	return chainadapter.Handle{UserID: h.UserID, Address: h.Address, Tag: h.Tag}
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

// CancelAwaitingDeposits is a no-op for tag-based coins (spec.md §4.2).
func (e *Engine) CancelAwaitingDeposits(context.Context, []byte) error { return nil }

func (e *Engine) ScheduleWithdrawal(ctx context.Context, userID []byte, address string, amount *big.Int, tag *uint64) (chainadapter.PendingPayout, error) {
	if err := e.latch.Get(); err != nil {
		return chainadapter.PendingPayout{}, err
	}
	if amount.Cmp(e.cfg.MinimumAmount) < 0 {
		return chainadapter.PendingPayout{}, chainadapter.Newf(chainadapter.InputValidation, "amount below minimum")
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

	p := store.PendingPayout{UserID: userID, Amount: amount.String(), Address: address, Tag: tag}
	if err := e.st.Atomic(func(txn *store.Txn) error { return txn.InsertPending(e.cfg.Coin, p) }); err != nil {
		if err == store.ErrDuplicate {
			return chainadapter.PendingPayout{}, chainadapter.Newf(chainadapter.StateConflict, "pending withdrawal already scheduled")
		}
		return chainadapter.PendingPayout{}, chainadapter.Wrap(chainadapter.StorageFatal, err)
	}
	return chainadapter.PendingPayout{UserID: userID, Amount: amount, Address: address, Tag: tag}, nil
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

type pendingCredit struct {
	userID      []byte
	amount      *big.Int
	txHash      string
	ledgerIndex uint64
}

// PollDeposits implements spec.md §4.3.4's account_tx paging.
func (e *Engine) PollDeposits(ctx context.Context, sink chainadapter.DepositSink) error {
	if lerr := e.latch.Get(); lerr != nil {
		return lerr
	}

	watermark, err := e.st.BlockProcessed(e.cfg.Coin)
	if err != nil {
		return e.fatal(chainadapter.Wrap(chainadapter.StorageFatal, err))
	}

	var credits []pendingCredit
	highestSeen := watermark.Height
	var marker any

	for {
		txs, nextMarker, err := e.backend.AccountTx(ctx, marker)
		if err != nil {
			return e.fatal(chainadapter.Wrap(chainadapter.AdapterTransient, err))
		}
		stop := false
		for _, tx := range txs {
			if tx.LedgerIndex <= watermark.Height {
				stop = true
				break
			}
			if !tx.IsAccountRootMod || tx.DestinationTag == nil {
				continue
			}
			handle, err := e.st.LookupByTag(e.cfg.Coin, *tx.DestinationTag)
			if err == store.ErrNotFound {
				continue
			}
			if err != nil {
				return e.fatal(chainadapter.Wrap(chainadapter.StorageFatal, err))
			}
			amount := tx.DeliveredAmount
			if amount.Cmp(e.cfg.MinimumAmount) < 0 {
				continue
			}
			exists, err := e.st.TransactionExists(e.cfg.Coin, tx.Hash)
			if err != nil {
				return e.fatal(chainadapter.Wrap(chainadapter.StorageFatal, err))
			}
			if exists {
				continue
			}
			credits = append(credits, pendingCredit{userID: handle.UserID, amount: amount, txHash: tx.Hash, ledgerIndex: tx.LedgerIndex})
			if tx.LedgerIndex > highestSeen {
				highestSeen = tx.LedgerIndex
			}
		}
		if stop || nextMarker == nil {
			break
		}
		marker = nextMarker
	}

	if len(credits) == 0 {
		return nil
	}

	info, err := e.backend.AccountInfo(ctx)
	if err != nil {
		return e.fatal(chainadapter.Wrap(chainadapter.AdapterTransient, err))
	}

	err = e.st.Atomic(func(txn *store.Txn) error {
		for _, c := range credits {
			if err := txn.UpdateAccountTotals(e.cfg.Coin, c.userID, c.amount, nil); err != nil {
				return err
			}
			if err := txn.UpdateGlobalTotals(e.cfg.Coin, c.amount, nil); err != nil {
				return err
			}
			if _, err := txn.InsertTransaction(e.cfg.Coin, store.Transaction{
				UserID: c.userID, Amount: c.amount.String(), TxHash: c.txHash, BlockHeight: c.ledgerIndex,
			}); err != nil && err != store.ErrDuplicate {
				return err
			}
		}
		if err := txn.RecordProcessedBlock(e.cfg.Coin, highestSeen, ""); err != nil {
			return err
		}
		return txn.UpdateBackendBalance(e.cfg.Coin, info.Balance)
	})
	if err != nil {
		return e.fatal(chainadapter.Wrap(chainadapter.StorageFatal, err))
	}

	for _, c := range credits {
		if err := sink.AppendProcessedDeposit(e.cfg.Coin, c.userID, map[string]any{
			"userId": fmt.Sprintf("%x", c.userID), "amount": fixedpoint.Format(c.amount, e.cfg.Decimals), "txHash": c.txHash,
		}); err != nil {
			return e.fatal(chainadapter.Wrap(chainadapter.StorageFatal, err))
		}
	}
	return nil
}

// ProcessPending implements spec.md §4.3.4's Payment submission. A
// non-success reply latches the adapter and leaves the pending row in
// place for the next pass to retry.
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
		txHash, success, err := e.backend.SubmitPayment(ctx, p.Address, amount, p.Tag)
		if err != nil {
			return e.fatal(chainadapter.Wrap(chainadapter.AdapterTransient, err))
		}
		if !success {
			return e.fatal(chainadapter.Newf(chainadapter.AdapterTransient, "payment submission not successful"))
		}

		err = e.st.Atomic(func(txn *store.Txn) error {
			if err := txn.UpdateAccountTotals(e.cfg.Coin, p.UserID, nil, amount); err != nil {
				return err
			}
			if err := txn.UpdateGlobalTotals(e.cfg.Coin, nil, amount); err != nil {
				return err
			}
			if err := txn.DeletePending(e.cfg.Coin, p.UserID); err != nil {
				return err
			}
			_, err := txn.InsertWithdrawalTransaction(e.cfg.Coin, store.WithdrawalTransaction{
				UserID: p.UserID, Amount: amount.String(), TxHash: txHash, Address: p.Address,
			})
			return err
		})
		if err != nil {
			return e.fatal(chainadapter.Wrap(chainadapter.StorageFatal, err))
		}
		if err := processed.AppendProcessedWithdrawal(e.cfg.Coin, p.UserID, map[string]any{
			"userId": fmt.Sprintf("%x", p.UserID), "amount": fixedpoint.Format(amount, e.cfg.Decimals), "txHash": txHash,
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
