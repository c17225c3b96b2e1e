package utxo

import (
	"context"
	"fmt"
	"math/big"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/custodyd/custodyd/internal/chainadapter"
	"github.com/custodyd/custodyd/internal/fixedpoint"
	"github.com/custodyd/custodyd/internal/gethlog"
	"github.com/custodyd/custodyd/internal/store"
)

// Config is the per-coin options for a UTXO engine (spec.md §6 "UTXO —
// backend_options{host,port,username,password,unlock_password?}, label").
type Config struct {
	Coin             string
	Decimals         int
	MinimumAmount    *big.Int
	Confirmations    int64
	StaticFee        *big.Int
	Rounding         fixedpoint.Rounding
	Label            string
	UnlockPassphrase string // empty when the wallet carries no encryption
	UnlockSeconds    int
	PageSize         int // listtransactions page size, default 10
}

type Engine struct {
	cfg     Config
	st      *store.Store
	backend Backend
	headers *lru.Cache[string, BlockHeader]
	log     gethlog.Logger
	latch   chainadapter.Latch
}

func New(cfg Config, st *store.Store, backend Backend, log gethlog.Logger) (*Engine, error) {
	if cfg.PageSize == 0 {
		cfg.PageSize = 10
	}
	cache, err := lru.New[string, BlockHeader](256)
	if err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, st: st, backend: backend, headers: cache, log: log.With("coin", cfg.Coin, "engine", "utxo")}, nil
}

func (e *Engine) Distinction() chainadapter.Distinction { return chainadapter.DistinctionUTXOAddress }
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
		GlobalStats: chainadapter.GlobalStats{Deposit: bigFromStr(gt.CumulativeDeposit), Withdrawal: bigFromStr(gt.CumulativeWithdrawal), Balance: bal},
	}, nil
}

func bigFromStr(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return n
}

func (e *Engine) ResolveDepositHandle(ctx context.Context, userID []byte, _ *big.Int) (chainadapter.Handle, error) {
	if h, err := e.st.LookupDepositHandle(e.cfg.Coin, userID); err == nil {
		return toAdapterHandle(*h), nil
	} else if err != store.ErrNotFound {
		return chainadapter.Handle{}, chainadapter.Wrap(chainadapter.StorageFatal, err)
	}

	addr, err := e.backend.GetNewAddress(ctx, e.cfg.Label)
	if err != nil {
		return chainadapter.Handle{}, chainadapter.Wrap(chainadapter.AdapterTransient, err)
	}
	created := store.Handle{UserID: userID, Address: addr}
	if err := e.st.Atomic(func(txn *store.Txn) error { return txn.InsertDepositHandle(e.cfg.Coin, created) }); err != nil {
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

func (e *Engine) CancelAwaitingDeposits(context.Context, []byte) error { return nil }

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

// pendingCredit is one deposit ready to commit, accumulated across a page
// loop and applied as a single outer atomic per spec.md §4.3.2 step 4.
type pendingCredit struct {
	userID      []byte
	amount      *big.Int
	txHash      string
	blockHash   string
	blockHeight uint64
	blockTime   int64
}

// PollDeposits implements spec.md §4.3.2's deposit pass.
func (e *Engine) PollDeposits(ctx context.Context, sink chainadapter.DepositSink) error {
	if lerr := e.latch.Get(); lerr != nil {
		return lerr
	}

	watermark, err := e.st.BlockProcessed(e.cfg.Coin)
	if err != nil {
		return e.fatal(chainadapter.Wrap(chainadapter.StorageFatal, err))
	}

	var credits []pendingCredit
	var newestBlockHash string
	var newestBlockHeight uint64
	stop := false

	for skip := 0; !stop; skip += e.cfg.PageSize {
		page, err := e.backend.ListTransactions(ctx, e.cfg.Label, e.cfg.PageSize, skip)
		if err != nil {
			return e.fatal(chainadapter.Wrap(chainadapter.AdapterTransient, err))
		}
		if len(page) == 0 {
			break
		}
		for i := len(page) - 1; i >= 0; i-- {
			rec := page[i]
			if rec.Category != "receive" {
				continue
			}
			if rec.Confirmations < e.cfg.Confirmations {
				continue
			}
			amount, err := fixedpoint.Parse(rec.Amount, e.cfg.Decimals, e.cfg.Rounding)
			if err != nil {
				return e.fatal(chainadapter.Wrap(chainadapter.AdapterTransient, err))
			}
			if amount.Cmp(e.cfg.MinimumAmount) < 0 {
				continue
			}
			handle, err := e.st.LookupByAddress(e.cfg.Coin, rec.Address)
			if err == store.ErrNotFound {
				continue // not a managed address
			}
			if err != nil {
				return e.fatal(chainadapter.Wrap(chainadapter.StorageFatal, err))
			}
			exists, err := e.st.TransactionExists(e.cfg.Coin, rec.TxID)
			if err != nil {
				return e.fatal(chainadapter.Wrap(chainadapter.StorageFatal, err))
			}
			if exists {
				continue
			}

			header, ok := e.headers.Get(rec.BlockHash)
			if !ok {
				header, err = e.backend.GetBlockHeader(ctx, rec.BlockHash)
				if err != nil {
					return e.fatal(chainadapter.Wrap(chainadapter.AdapterTransient, err))
				}
				e.headers.Add(rec.BlockHash, header)
			}

			if rec.BlockHash == watermark.Hash {
				stop = true
				break
			}

			credits = append(credits, pendingCredit{
				userID: handle.UserID, amount: amount, txHash: rec.TxID,
				blockHash: rec.BlockHash, blockHeight: uint64(header.Height), blockTime: header.Time,
			})
			if uint64(header.Height) > newestBlockHeight {
				newestBlockHeight = uint64(header.Height)
				newestBlockHash = rec.BlockHash
			}
		}
		if len(page) < e.cfg.PageSize {
			break
		}
	}

	if len(credits) == 0 {
		return nil
	}

	balance, err := e.backend.GetBalance(ctx)
	if err != nil {
		return e.fatal(chainadapter.Wrap(chainadapter.AdapterTransient, err))
	}
	backendBalance, err := fixedpoint.Parse(balance, e.cfg.Decimals, e.cfg.Rounding)
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
				UserID: c.userID, Amount: c.amount.String(), TxHash: c.txHash,
				BlockHash: c.blockHash, BlockHeight: c.blockHeight, BlockTime: c.blockTime,
			}); err != nil && err != store.ErrDuplicate {
				return err
			}
		}
		if newestBlockHash != "" {
			if err := txn.RecordProcessedBlock(e.cfg.Coin, newestBlockHeight, newestBlockHash); err != nil {
				return err
			}
		}
		return txn.UpdateBackendBalance(e.cfg.Coin, backendBalance)
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

// ProcessPending implements spec.md §4.3.2's payout pass.
func (e *Engine) ProcessPending(ctx context.Context, processed chainadapter.WithdrawalSink, rejected chainadapter.RejectionSink) error {
	if lerr := e.latch.Get(); lerr != nil {
		return lerr
	}

	if e.cfg.UnlockPassphrase != "" {
		if err := e.backend.WalletPassphrase(ctx, e.cfg.UnlockPassphrase, e.cfg.UnlockSeconds); err != nil {
			return e.fatal(chainadapter.Wrap(chainadapter.AdapterTransient, err))
		}
	}

	all, err := e.st.ListAllPending(e.cfg.Coin)
	if err != nil {
		return e.fatal(chainadapter.Wrap(chainadapter.StorageFatal, err))
	}

	for _, p := range all {
		valid, err := e.backend.ValidateAddress(ctx, p.Address)
		if err != nil {
			return e.fatal(chainadapter.Wrap(chainadapter.AdapterTransient, err))
		}
		if !valid {
			if err := e.dropRejected(p, rejected, "invalid destination address"); err != nil {
				return err
			}
			continue
		}

		amount := bigFromStr(p.Amount)
		transferAmount := new(big.Int).Sub(amount, feeFloor(e.cfg))
		if transferAmount.Sign() <= 0 {
			if err := e.dropRejected(p, rejected, "amount below fee"); err != nil {
				return err
			}
			continue
		}

		txHash, err := e.backend.SendToAddress(ctx, p.Address, fixedpoint.Format(transferAmount, e.cfg.Decimals))
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
			_, err := txn.InsertWithdrawalTransaction(e.cfg.Coin, store.WithdrawalTransaction{
				UserID: p.UserID, Amount: transferAmount.String(), TxHash: txHash, Address: p.Address,
			})
			return err
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
