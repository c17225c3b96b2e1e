package account

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/custodyd/custodyd/internal/chainadapter"
	"github.com/custodyd/custodyd/internal/gethlog"
	"github.com/custodyd/custodyd/internal/store"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

// fakeBackend is an in-memory stand-in for a real eth_*-speaking daemon: a
// map of address -> balance plus a counter of submitted transactions.
type fakeBackend struct {
	mu        sync.Mutex
	balances  map[string]*big.Int
	// atDepth, when set for an address, is what BalanceAt returns for a
	// TagAtHeight read on that address instead of falling back to
	// balances - used to simulate a deposit that hasn't matured to the
	// configured confirmation depth yet.
	atDepth    map[string]*big.Int
	height     uint64
	nonce      uint64
	gasPrice   *big.Int
	submitted  []string
	rejectNext bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{balances: map[string]*big.Int{}, gasPrice: big.NewInt(1), height: 100}
}

func (f *fakeBackend) CurrentHeight(ctx context.Context) (uint64, error) {
	return f.height, nil
}

func (f *fakeBackend) BalanceAt(ctx context.Context, address string, tag BlockTag) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tag != TagPending && tag != TagLatest {
		if b, ok := f.atDepth[address]; ok {
			return new(big.Int).Set(b), nil
		}
	}
	if b, ok := f.balances[address]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (f *fakeBackend) NonceAt(ctx context.Context, address string, tag BlockTag) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeBackend) GasPrice(ctx context.Context) (*big.Int, error) { return f.gasPrice, nil }

func (f *fakeBackend) SubmitSweep(ctx context.Context, fromIndex uint64, value *big.Int, gasUnits uint64, gasPrice *big.Int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonce++
	hash := "sweep-tx"
	f.submitted = append(f.submitted, hash)
	return hash, nil
}

func (f *fakeBackend) SubmitWithdrawal(ctx context.Context, address string, value *big.Int) (string, error) {
	if f.rejectNext {
		return "", chainadapter.Newf(chainadapter.AdapterReject, "rejected by chain")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonce++
	hash := "withdrawal-tx"
	f.submitted = append(f.submitted, hash)
	return hash, nil
}

func (f *fakeBackend) AwaitReceipt(ctx context.Context, txHash string) (Receipt, error) {
	return Receipt{BlockHash: "0xblock", BlockHeight: 1, BlockTime: 100, Success: true}, nil
}

type noopSink struct{ events []map[string]any }

func (s *noopSink) AppendProcessedDeposit(coin string, userID []byte, payload any) error {
	s.events = append(s.events, payload.(map[string]any))
	return nil
}
func (s *noopSink) AppendProcessedWithdrawal(coin string, userID []byte, payload any) error {
	s.events = append(s.events, payload.(map[string]any))
	return nil
}
func (s *noopSink) AppendRejectedWithdrawal(coin string, userID []byte, payload any) error {
	s.events = append(s.events, payload.(map[string]any))
	return nil
}

func newTestEngine(t *testing.T, backend Backend) *Engine {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	e, err := New(Config{
		Coin:          "ETH",
		Decimals:      18,
		MinimumAmount: big.NewInt(10),
		Confirmations: 1,
		GasUnits:      21000,
		StaticFee:     big.NewInt(0),
		Mnemonic:      testMnemonic,
	}, st, backend, gethlog.Root())
	require.NoError(t, err)
	return e
}

func TestResolveDepositHandleIsIdempotent(t *testing.T) {
	e := newTestEngine(t, newFakeBackend())
	ctx := context.Background()
	userID := []byte("user-1")

	h1, err := e.ResolveDepositHandle(ctx, userID, nil)
	require.NoError(t, err)
	require.NotEmpty(t, h1.Address)
	require.NotEqual(t, e.wallet.RootAddress(), h1.Address)

	h2, err := e.ResolveDepositHandle(ctx, userID, nil)
	require.NoError(t, err)
	require.Equal(t, h1.Address, h2.Address)
}

func TestResolveDepositHandleAssignsDistinctAddresses(t *testing.T) {
	e := newTestEngine(t, newFakeBackend())
	ctx := context.Background()

	h1, err := e.ResolveDepositHandle(ctx, []byte("user-1"), nil)
	require.NoError(t, err)
	h2, err := e.ResolveDepositHandle(ctx, []byte("user-2"), nil)
	require.NoError(t, err)
	require.NotEqual(t, h1.Address, h2.Address)
}

func TestPollDepositsSweepsConfirmedBalance(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend)
	ctx := context.Background()

	h, err := e.ResolveDepositHandle(ctx, []byte("user-1"), nil)
	require.NoError(t, err)
	backend.balances[h.Address] = big.NewInt(1_000_000)

	sink := &noopSink{}
	require.NoError(t, e.PollDeposits(ctx, sink))
	require.Len(t, sink.events, 1)
	require.Len(t, backend.submitted, 1)

	stats, err := e.AccountInfo(ctx, []byte("user-1"))
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1_000_000-21000), stats.Deposit)
}

func TestPollDepositsSkipsWhenNotYetConfirmedAtDepth(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend)
	ctx := context.Background()

	h, err := e.ResolveDepositHandle(ctx, []byte("user-1"), nil)
	require.NoError(t, err)
	backend.balances[h.Address] = big.NewInt(1_000_000)
	// The balance at latest-confirmations still reads zero: the deposit
	// landed after that historical block, so it is fewer than
	// e.cfg.Confirmations deep and must not be swept yet.
	backend.atDepth = map[string]*big.Int{h.Address: big.NewInt(0)}

	sink := &noopSink{}
	require.NoError(t, e.PollDeposits(ctx, sink))
	require.Empty(t, sink.events)
	require.Empty(t, backend.submitted)
}

func TestPollDepositsSkipsBelowMinimum(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend)
	ctx := context.Background()

	h, err := e.ResolveDepositHandle(ctx, []byte("user-1"), nil)
	require.NoError(t, err)
	backend.balances[h.Address] = big.NewInt(1)

	sink := &noopSink{}
	require.NoError(t, e.PollDeposits(ctx, sink))
	require.Empty(t, sink.events)
}

func TestScheduleWithdrawalRejectsOwnAddress(t *testing.T) {
	e := newTestEngine(t, newFakeBackend())
	ctx := context.Background()

	_, err := e.ScheduleWithdrawal(ctx, []byte("user-1"), e.wallet.RootAddress(), big.NewInt(1000), nil)
	require.Error(t, err)
}

func TestScheduleWithdrawalRequiresAdmission(t *testing.T) {
	e := newTestEngine(t, newFakeBackend())
	ctx := context.Background()

	_, err := e.ScheduleWithdrawal(ctx, []byte("user-1"), "0xdeadbeef", big.NewInt(1000), nil)
	require.Error(t, err) // backend balance is 0, so admission fails
}

func TestScheduleWithdrawalRejectsDuplicatePending(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend)
	ctx := context.Background()

	require.NoError(t, e.st.Atomic(func(txn *store.Txn) error {
		return txn.UpdateBackendBalance("ETH", big.NewInt(10_000_000))
	}))

	_, err := e.ScheduleWithdrawal(ctx, []byte("user-1"), "0xdeadbeef", big.NewInt(500_000), nil)
	require.NoError(t, err)

	_, err = e.ScheduleWithdrawal(ctx, []byte("user-1"), "0xdeadbeef", big.NewInt(500_000), nil)
	require.Error(t, err)
}

func TestProcessPendingCompletesWithdrawal(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend)
	ctx := context.Background()

	require.NoError(t, e.st.Atomic(func(txn *store.Txn) error {
		return txn.UpdateBackendBalance("ETH", big.NewInt(10_000_000))
	}))
	backend.balances[e.wallet.RootAddress()] = big.NewInt(10_000_000)

	_, err := e.ScheduleWithdrawal(ctx, []byte("user-1"), "0xdeadbeef", big.NewInt(500_000), nil)
	require.NoError(t, err)

	processed := &noopSink{}
	rejected := &noopSink{}
	require.NoError(t, e.ProcessPending(ctx, processed, rejected))
	require.Len(t, processed.events, 1)
	require.Empty(t, rejected.events)

	pending, err := e.LookupPending(ctx, []byte("user-1"))
	require.NoError(t, err)
	require.Nil(t, pending)
}

func TestProcessPendingCompletesFromRecordedBroadcastIntent(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend)
	ctx := context.Background()

	require.NoError(t, e.st.Atomic(func(txn *store.Txn) error {
		return txn.UpdateBackendBalance("ETH", big.NewInt(10_000_000))
	}))
	backend.balances[e.wallet.RootAddress()] = big.NewInt(10_000_000)

	_, err := e.ScheduleWithdrawal(ctx, []byte("user-1"), "0xdeadbeef", big.NewInt(500_000), nil)
	require.NoError(t, err)

	// Simulate a prior pass that broadcast the withdrawal and then crashed
	// before its bookkeeping atomic committed.
	require.NoError(t, e.st.Atomic(func(txn *store.Txn) error {
		return txn.RecordBroadcastIntent("ETH", store.BroadcastIntent{
			UserID: []byte("user-1"), TxHash: "already-broadcast-tx", Amount: "479000",
		})
	}))

	processed := &noopSink{}
	rejected := &noopSink{}
	require.NoError(t, e.ProcessPending(ctx, processed, rejected))
	require.Len(t, processed.events, 1)
	require.Empty(t, rejected.events)
	require.Empty(t, backend.submitted) // recovered from the intent, never resubmitted

	pending, err := e.LookupPending(ctx, []byte("user-1"))
	require.NoError(t, err)
	require.Nil(t, pending)
}

func TestProcessPendingDropsRejected(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend)
	ctx := context.Background()

	require.NoError(t, e.st.Atomic(func(txn *store.Txn) error {
		return txn.UpdateBackendBalance("ETH", big.NewInt(10_000_000))
	}))
	backend.balances[e.wallet.RootAddress()] = big.NewInt(10_000_000)

	_, err := e.ScheduleWithdrawal(ctx, []byte("user-1"), "0xdeadbeef", big.NewInt(500_000), nil)
	require.NoError(t, err)

	backend.rejectNext = true
	processed := &noopSink{}
	rejected := &noopSink{}
	require.NoError(t, e.ProcessPending(ctx, processed, rejected))
	require.Empty(t, processed.events)
	require.Len(t, rejected.events, 1)
	require.False(t, e.latch.Get() != nil) // AdapterReject must not latch

	pending, err := e.LookupPending(ctx, []byte("user-1"))
	require.NoError(t, err)
	require.Nil(t, pending)
}
