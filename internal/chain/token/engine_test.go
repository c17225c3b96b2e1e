package token

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/custodyd/custodyd/internal/gethlog"
	"github.com/custodyd/custodyd/internal/store"
)

const rootAddress = "0xroot"

type fakeBackend struct {
	height  uint64
	logs    []TransferLog
	balance *big.Int
	sentTo  string
	sentVal *big.Int
}

func newFakeBackend() *fakeBackend { return &fakeBackend{balance: big.NewInt(0)} }

func (f *fakeBackend) CurrentHeight(ctx context.Context) (uint64, error) { return f.height, nil }

func (f *fakeBackend) TransferLogs(ctx context.Context, fromHeight, toHeight uint64) ([]TransferLog, error) {
	var out []TransferLog
	for _, l := range f.logs {
		if l.BlockHeight >= fromHeight && l.BlockHeight <= toHeight {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeBackend) BalanceOf(ctx context.Context, address string) (*big.Int, error) {
	return f.balance, nil
}
func (f *fakeBackend) GasPrice(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (f *fakeBackend) SubmitTransfer(ctx context.Context, address string, value *big.Int) (string, error) {
	f.sentTo, f.sentVal = address, value
	return "transfer-tx", nil
}

func (f *fakeBackend) AwaitReceipt(ctx context.Context, txHash string) (Receipt, error) {
	return Receipt{BlockHash: "0xb", BlockHeight: 10, BlockTime: 100, Success: true}, nil
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
	return New(Config{
		Coin: "USDT", Decimals: 6, MinimumAmount: big.NewInt(1000),
		Confirmations: 2, StaticFee: big.NewInt(0), RootAddress: rootAddress,
	}, st, backend, gethlog.Root())
}

func TestResolveDepositHandleReturnsRequestedAmount(t *testing.T) {
	e := newTestEngine(t, newFakeBackend())
	ctx := context.Background()

	h, err := e.ResolveDepositHandle(ctx, []byte("aa"), big.NewInt(1_000_000))
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1_000_000), h.Amount)
	require.Equal(t, rootAddress, h.Address)
}

func TestResolveDepositHandlePerturbsOnCollision(t *testing.T) {
	e := newTestEngine(t, newFakeBackend())
	ctx := context.Background()

	h1, err := e.ResolveDepositHandle(ctx, []byte("aa"), big.NewInt(1_000_000))
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1_000_000), h1.Amount)

	h2, err := e.ResolveDepositHandle(ctx, []byte("bb"), big.NewInt(1_000_000))
	require.NoError(t, err)
	require.NotEqual(t, h1.Amount.String(), h2.Amount.String())
	diff := new(big.Int).Sub(h2.Amount, big.NewInt(1_000_000))
	require.True(t, new(big.Int).Abs(diff).Cmp(big.NewInt(128)) <= 0)
}

func TestResolveDepositHandleIsIdempotent(t *testing.T) {
	e := newTestEngine(t, newFakeBackend())
	ctx := context.Background()

	h1, err := e.ResolveDepositHandle(ctx, []byte("aa"), big.NewInt(1_000_000))
	require.NoError(t, err)
	h2, err := e.ResolveDepositHandle(ctx, []byte("aa"), big.NewInt(2_000_000))
	require.NoError(t, err)
	require.Equal(t, h1.Amount, h2.Amount)
}

func TestCancelAwaitingDepositsRemovesHandle(t *testing.T) {
	e := newTestEngine(t, newFakeBackend())
	ctx := context.Background()

	_, err := e.ResolveDepositHandle(ctx, []byte("aa"), big.NewInt(1_000_000))
	require.NoError(t, err)
	require.NoError(t, e.CancelAwaitingDeposits(ctx, []byte("aa")))

	list, err := e.ListAwaitingDeposits(ctx, []byte("aa"))
	require.NoError(t, err)
	require.Empty(t, list)

	// the amount is free again
	h, err := e.ResolveDepositHandle(ctx, []byte("bb"), big.NewInt(1_000_000))
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1_000_000), h.Amount)
}

func TestPollDepositsAttributesMatchingTransfer(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend)
	ctx := context.Background()

	h, err := e.ResolveDepositHandle(ctx, []byte("aa"), big.NewInt(1_000_000))
	require.NoError(t, err)

	backend.height = 20
	backend.logs = []TransferLog{
		{To: rootAddress, Value: h.Amount, TxHash: "t1", BlockHash: "0xb1", BlockHeight: 15, BlockTime: 500},
	}
	backend.balance = big.NewInt(1_000_000)

	sink := &noopSink{}
	require.NoError(t, e.PollDeposits(ctx, sink))
	require.Len(t, sink.events, 1)

	stats, err := e.AccountInfo(ctx, []byte("aa"))
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1_000_000), stats.Deposit)

	list, err := e.ListAwaitingDeposits(ctx, []byte("aa"))
	require.NoError(t, err)
	require.Empty(t, list) // handle consumed on match
}

func TestPollDepositsIgnoresUnmatchedValue(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend)
	ctx := context.Background()

	_, err := e.ResolveDepositHandle(ctx, []byte("aa"), big.NewInt(1_000_000))
	require.NoError(t, err)

	backend.height = 20
	backend.logs = []TransferLog{
		{To: rootAddress, Value: big.NewInt(42), TxHash: "t1", BlockHash: "0xb1", BlockHeight: 15, BlockTime: 500},
	}

	sink := &noopSink{}
	require.NoError(t, e.PollDeposits(ctx, sink))
	require.Empty(t, sink.events)
}

func TestProcessPendingCompletesFromRecordedBroadcastIntent(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend)
	ctx := context.Background()

	require.NoError(t, e.st.Atomic(func(txn *store.Txn) error {
		return txn.UpdateBackendBalance("USDT", big.NewInt(10_000_000))
	}))
	_, err := e.ScheduleWithdrawal(ctx, []byte("aa"), "0xdest", big.NewInt(500_000), nil)
	require.NoError(t, err)

	// Simulate a prior pass that broadcast the transfer and then crashed
	// before its bookkeeping atomic committed.
	require.NoError(t, e.st.Atomic(func(txn *store.Txn) error {
		return txn.RecordBroadcastIntent("USDT", store.BroadcastIntent{
			UserID: []byte("aa"), TxHash: "already-broadcast-tx", Amount: "499000",
		})
	}))

	processed := &noopSink{}
	rejected := &noopSink{}
	require.NoError(t, e.ProcessPending(ctx, processed, rejected))
	require.Len(t, processed.events, 1)
	require.Empty(t, rejected.events)
	require.Empty(t, backend.sentTo) // recovered from the intent, never resubmitted
}

func TestScheduleAndProcessWithdrawal(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend)
	ctx := context.Background()

	require.NoError(t, e.st.Atomic(func(txn *store.Txn) error {
		return txn.UpdateBackendBalance("USDT", big.NewInt(10_000_000))
	}))
	_, err := e.ScheduleWithdrawal(ctx, []byte("aa"), "0xdest", big.NewInt(500_000), nil)
	require.NoError(t, err)

	processed := &noopSink{}
	rejected := &noopSink{}
	require.NoError(t, e.ProcessPending(ctx, processed, rejected))
	require.Len(t, processed.events, 1)
	require.Empty(t, rejected.events)
	require.Equal(t, "0xdest", backend.sentTo)
	require.Equal(t, big.NewInt(500_000), backend.sentVal)
}
