package dispatch

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/custodyd/custodyd/internal/chainadapter"
	"github.com/custodyd/custodyd/internal/fixedpoint"
	"github.com/custodyd/custodyd/internal/outbox"
	"github.com/custodyd/custodyd/internal/store"
)

// fakeAdapter is a minimal in-memory chainadapter.Adapter used to exercise
// the dispatcher's routing and validation without a real distinction engine.
type fakeAdapter struct {
	distinction chainadapter.Distinction
	handles     map[string]chainadapter.Handle
	pending     map[string]chainadapter.PendingPayout
	cancelled   []string
}

func newFakeAdapter(d chainadapter.Distinction) *fakeAdapter {
	return &fakeAdapter{distinction: d, handles: map[string]chainadapter.Handle{}, pending: map[string]chainadapter.PendingPayout{}}
}

func (f *fakeAdapter) Distinction() chainadapter.Distinction { return f.distinction }
func (f *fakeAdapter) ProxyInfo(context.Context) (chainadapter.ProxyInfo, error) {
	return chainadapter.ProxyInfo{CoinType: "TST", Distinction: f.distinction}, nil
}
func (f *fakeAdapter) ResolveDepositHandle(ctx context.Context, userID []byte, amount *big.Int) (chainadapter.Handle, error) {
	key := string(userID)
	if h, ok := f.handles[key]; ok {
		return h, nil
	}
	h := chainadapter.Handle{UserID: userID, Address: "addrX", Amount: amount, ExpectedAmount: amount}
	f.handles[key] = h
	return h, nil
}
func (f *fakeAdapter) ListAwaitingDeposits(ctx context.Context, userID []byte) ([]chainadapter.Handle, error) {
	if h, ok := f.handles[string(userID)]; ok {
		return []chainadapter.Handle{h}, nil
	}
	return nil, nil
}
func (f *fakeAdapter) CancelAwaitingDeposits(ctx context.Context, userID []byte) error {
	f.cancelled = append(f.cancelled, string(userID))
	delete(f.handles, string(userID))
	return nil
}
func (f *fakeAdapter) ScheduleWithdrawal(ctx context.Context, userID []byte, address string, amount *big.Int, tag *uint64) (chainadapter.PendingPayout, error) {
	p := chainadapter.PendingPayout{UserID: userID, Address: address, Amount: amount, Tag: tag}
	f.pending[string(userID)] = p
	return p, nil
}
func (f *fakeAdapter) LookupPending(ctx context.Context, userID []byte) (*chainadapter.PendingPayout, error) {
	if p, ok := f.pending[string(userID)]; ok {
		return &p, nil
	}
	return nil, nil
}
func (f *fakeAdapter) ListDeposits(ctx context.Context, userID []byte, skip int) ([]chainadapter.DepositRecord, error) {
	return nil, nil
}
func (f *fakeAdapter) ListWithdrawals(ctx context.Context, userID []byte, skip int) ([]chainadapter.WithdrawalRecord, error) {
	return nil, nil
}
func (f *fakeAdapter) AccountInfo(ctx context.Context, userID []byte) (chainadapter.AccountStats, error) {
	return chainadapter.AccountStats{Deposit: big.NewInt(0), Withdrawal: big.NewInt(0)}, nil
}
func (f *fakeAdapter) PollDeposits(ctx context.Context, sink chainadapter.DepositSink) error { return nil }
func (f *fakeAdapter) ProcessPending(ctx context.Context, processed chainadapter.WithdrawalSink, rejected chainadapter.RejectionSink) error {
	return nil
}
func (f *fakeAdapter) Latch() *chainadapter.Latch { return &chainadapter.Latch{} }

func newTestDispatcher(t *testing.T, distinction chainadapter.Distinction) (*Dispatcher, *fakeAdapter) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	a := newFakeAdapter(distinction)
	ob := outbox.New(st)
	d := New(map[string]CoinEntry{
		"TST": {Adapter: a, Decimals: 6, Rounding: fixedpoint.Truncate},
	}, ob)
	return d, a
}

func TestValidateUserIDRejectsMalformed(t *testing.T) {
	_, err := ValidateUserID("")
	require.Error(t, err)
	_, err = ValidateUserID("a")
	require.Error(t, err)
	_, err = ValidateUserID("AABB")
	require.Error(t, err)
	_, err = ValidateUserID("zz")
	require.Error(t, err)

	uid, err := ValidateUserID("aabb")
	require.NoError(t, err)
	require.Equal(t, []byte{0xaa, 0xbb}, uid)
}

func TestGetProxyInfoUnknownCoin(t *testing.T) {
	d, _ := newTestDispatcher(t, chainadapter.DistinctionAddress)
	_, err := d.GetProxyInfo(context.Background(), "NOPE")
	require.ErrorIs(t, err, ErrUnknownCoin)
}

func TestSetDepositRequiresAmountForAmountDistinction(t *testing.T) {
	d, _ := newTestDispatcher(t, chainadapter.DistinctionAmount)
	_, err := d.SetDeposit(context.Background(), "TST", "aa", "")
	require.Error(t, err)

	h, err := d.SetDeposit(context.Background(), "TST", "aa", "1.000000")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1_000_000), h.Amount)
}

func TestSetDepositIgnoresAmountForAddressDistinction(t *testing.T) {
	d, _ := newTestDispatcher(t, chainadapter.DistinctionAddress)
	h, err := d.SetDeposit(context.Background(), "TST", "aa", "")
	require.NoError(t, err)
	require.Equal(t, "addrX", h.Address)
}

func TestDeleteDepositNoOpForNonAmountDistinction(t *testing.T) {
	d, a := newTestDispatcher(t, chainadapter.DistinctionTag)
	_, err := d.SetDeposit(context.Background(), "TST", "aa", "")
	require.NoError(t, err)

	ok, err := d.DeleteDeposit(context.Background(), "TST", "aa")
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, a.cancelled)
}

func TestDeleteDepositCancelsAmountHandle(t *testing.T) {
	d, a := newTestDispatcher(t, chainadapter.DistinctionAmount)
	_, err := d.SetDeposit(context.Background(), "TST", "aa", "1.000000")
	require.NoError(t, err)

	ok, err := d.DeleteDeposit(context.Background(), "TST", "aa")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{string([]byte{0xaa})}, a.cancelled)
}

func TestOutboxDrainIsExactlyOnce(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ob := outbox.New(st)
	require.NoError(t, ob.AppendProcessedDeposit("TST", []byte{0xaa}, map[string]any{"amount": "1"}))

	a := newFakeAdapter(chainadapter.DistinctionAddress)
	d := New(map[string]CoinEntry{"TST": {Adapter: a, Decimals: 6}}, ob)

	events, err := d.ListProcessedDeposits("TST", "aa")
	require.NoError(t, err)
	require.Len(t, events, 1)

	events, err = d.ListProcessedDeposits("TST", "aa")
	require.NoError(t, err)
	require.Empty(t, events)
}
