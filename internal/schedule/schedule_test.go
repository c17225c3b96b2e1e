package schedule

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/custodyd/custodyd/internal/chainadapter"
	"github.com/custodyd/custodyd/internal/gethlog"
	"github.com/custodyd/custodyd/internal/outbox"
	"github.com/custodyd/custodyd/internal/store"
)

// recordingAdapter is a minimal chainadapter.Adapter that records the order
// ProcessPending/PollDeposits are invoked in and can be made to fail either
// call with a chosen error kind.
type recordingAdapter struct {
	name        string
	calls       *[]string
	pendingErr  error
	depositsErr error
}

func (a *recordingAdapter) Distinction() chainadapter.Distinction { return chainadapter.DistinctionAddress }
func (a *recordingAdapter) ProxyInfo(context.Context) (chainadapter.ProxyInfo, error) {
	return chainadapter.ProxyInfo{}, nil
}
func (a *recordingAdapter) ResolveDepositHandle(context.Context, []byte, *big.Int) (chainadapter.Handle, error) {
	return chainadapter.Handle{}, nil
}
func (a *recordingAdapter) ListAwaitingDeposits(context.Context, []byte) ([]chainadapter.Handle, error) {
	return nil, nil
}
func (a *recordingAdapter) CancelAwaitingDeposits(context.Context, []byte) error { return nil }
func (a *recordingAdapter) ScheduleWithdrawal(context.Context, []byte, string, *big.Int, *uint64) (chainadapter.PendingPayout, error) {
	return chainadapter.PendingPayout{}, nil
}
func (a *recordingAdapter) LookupPending(context.Context, []byte) (*chainadapter.PendingPayout, error) {
	return nil, nil
}
func (a *recordingAdapter) ListDeposits(context.Context, []byte, int) ([]chainadapter.DepositRecord, error) {
	return nil, nil
}
func (a *recordingAdapter) ListWithdrawals(context.Context, []byte, int) ([]chainadapter.WithdrawalRecord, error) {
	return nil, nil
}
func (a *recordingAdapter) AccountInfo(context.Context, []byte) (chainadapter.AccountStats, error) {
	return chainadapter.AccountStats{}, nil
}
func (a *recordingAdapter) PollDeposits(context.Context, chainadapter.DepositSink) error {
	*a.calls = append(*a.calls, a.name+".pollDeposits")
	return a.depositsErr
}
func (a *recordingAdapter) ProcessPending(context.Context, chainadapter.WithdrawalSink, chainadapter.RejectionSink) error {
	*a.calls = append(*a.calls, a.name+".processPending")
	return a.pendingErr
}
func (a *recordingAdapter) Latch() *chainadapter.Latch { return &chainadapter.Latch{} }

func newTestOutbox(t *testing.T) *outbox.Tables {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return outbox.New(st)
}

func TestTickRunsProcessPendingThenPollDepositsInRegistrationOrder(t *testing.T) {
	var calls []string
	btc := &recordingAdapter{name: "BTC", calls: &calls}
	eth := &recordingAdapter{name: "ETH", calls: &calls}

	loop := New([]CoinAdapter{{Coin: "BTC", Adapter: btc}, {Coin: "ETH", Adapter: eth}}, newTestOutbox(t), time.Second, gethlog.Root())

	require.NoError(t, loop.tick(context.Background()))
	require.Equal(t, []string{
		"BTC.processPending", "ETH.processPending",
		"BTC.pollDeposits", "ETH.pollDeposits",
	}, calls)
}

func TestTickContinuesPastALatchedAdapter(t *testing.T) {
	var calls []string
	broken := &recordingAdapter{name: "BROKEN", calls: &calls, pendingErr: chainadapter.Newf(chainadapter.AdapterTransient, "rpc down")}
	ok := &recordingAdapter{name: "OK", calls: &calls}

	loop := New([]CoinAdapter{{Coin: "BROKEN", Adapter: broken}, {Coin: "OK", Adapter: ok}}, newTestOutbox(t), time.Second, gethlog.Root())

	require.NoError(t, loop.tick(context.Background()))
	require.Equal(t, []string{
		"BROKEN.processPending", "OK.processPending",
		"BROKEN.pollDeposits", "OK.pollDeposits",
	}, calls)
}

func TestTickPropagatesANonLatchingError(t *testing.T) {
	var calls []string
	broken := &recordingAdapter{name: "BROKEN", calls: &calls, pendingErr: assertErr}

	loop := New([]CoinAdapter{{Coin: "BROKEN", Adapter: broken}}, newTestOutbox(t), time.Second, gethlog.Root())

	err := loop.tick(context.Background())
	require.ErrorIs(t, err, assertErr)
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	loop := New(nil, newTestOutbox(t), time.Millisecond, gethlog.Root())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, loop.Run(ctx))
}

// assertErr is a non-latching kind (spec.md §7): tick must not swallow it and
// instead return it, which makes Run stall the scheduler for an operator.
var assertErr = chainadapter.Newf(chainadapter.StateConflict, "pending already exists")
