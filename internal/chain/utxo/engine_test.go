package utxo

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/custodyd/custodyd/internal/fixedpoint"
	"github.com/custodyd/custodyd/internal/gethlog"
	"github.com/custodyd/custodyd/internal/store"
)

type fakeBackend struct {
	txs              []ListedTx
	headers          map[string]BlockHeader
	newAddrSeq       int
	balance          string
	validAddresses   map[string]bool
	unlocked         bool
	sentAddr, sentAm string
	sendErr          error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{headers: map[string]BlockHeader{}, balance: "0.00000000", validAddresses: map[string]bool{}}
}

func (f *fakeBackend) ListTransactions(ctx context.Context, label string, count, skip int) ([]ListedTx, error) {
	if skip >= len(f.txs) {
		return nil, nil
	}
	end := skip + count
	if end > len(f.txs) {
		end = len(f.txs)
	}
	return f.txs[skip:end], nil
}

func (f *fakeBackend) GetNewAddress(ctx context.Context, label string) (string, error) {
	f.newAddrSeq++
	return "addr-" + label + "-" + string(rune('0'+f.newAddrSeq)), nil
}

func (f *fakeBackend) ValidateAddress(ctx context.Context, address string) (bool, error) {
	ok, known := f.validAddresses[address]
	if !known {
		return true, nil
	}
	return ok, nil
}

func (f *fakeBackend) GetBalance(ctx context.Context) (string, error) { return f.balance, nil }

func (f *fakeBackend) GetBlockHeader(ctx context.Context, blockHash string) (BlockHeader, error) {
	return f.headers[blockHash], nil
}

func (f *fakeBackend) WalletPassphrase(ctx context.Context, passphrase string, timeoutSeconds int) error {
	f.unlocked = true
	return nil
}

func (f *fakeBackend) SendToAddress(ctx context.Context, address, amount string) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sentAddr, f.sentAm = address, amount
	return "withdraw-tx", nil
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
		Coin: "BTC", Decimals: 8, MinimumAmount: big.NewInt(1000),
		Confirmations: 3, StaticFee: big.NewInt(0), Rounding: fixedpoint.Truncate,
		Label: "custody", PageSize: 10,
	}, st, backend, gethlog.Root())
	require.NoError(t, err)
	return e
}

func TestResolveDepositHandleIsIdempotent(t *testing.T) {
	e := newTestEngine(t, newFakeBackend())
	ctx := context.Background()

	h1, err := e.ResolveDepositHandle(ctx, []byte("user-1"), nil)
	require.NoError(t, err)
	h2, err := e.ResolveDepositHandle(ctx, []byte("user-1"), nil)
	require.NoError(t, err)
	require.Equal(t, h1.Address, h2.Address)
}

func TestPollDepositsCreditsReceivedTx(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend)
	ctx := context.Background()

	h, err := e.ResolveDepositHandle(ctx, []byte("aa"), nil)
	require.NoError(t, err)

	backend.headers["block1"] = BlockHeader{Height: 100, Time: 1000}
	backend.txs = []ListedTx{
		{Category: "receive", Address: h.Address, Amount: "0.00005000", TxID: "t1", Confirmations: 5, BlockHash: "block1"},
	}
	backend.balance = "0.00005000"

	sink := &noopSink{}
	require.NoError(t, e.PollDeposits(ctx, sink))
	require.Len(t, sink.events, 1)

	stats, err := e.AccountInfo(ctx, []byte("aa"))
	require.NoError(t, err)
	require.Equal(t, "0.00005000", fixedpoint.Format(stats.Deposit, 8))

	// replaying the same page produces no duplicate
	sink2 := &noopSink{}
	require.NoError(t, e.PollDeposits(ctx, sink2))
	require.Empty(t, sink2.events)
}

func TestPollDepositsSkipsLowConfirmation(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend)
	ctx := context.Background()

	h, err := e.ResolveDepositHandle(ctx, []byte("aa"), nil)
	require.NoError(t, err)
	backend.headers["block1"] = BlockHeader{Height: 100, Time: 1000}
	backend.txs = []ListedTx{
		{Category: "receive", Address: h.Address, Amount: "0.00005000", TxID: "t1", Confirmations: 1, BlockHash: "block1"},
	}

	sink := &noopSink{}
	require.NoError(t, e.PollDeposits(ctx, sink))
	require.Empty(t, sink.events)
}

func TestProcessPendingRejectsInvalidAddress(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend)
	ctx := context.Background()

	require.NoError(t, e.st.Atomic(func(txn *store.Txn) error {
		return txn.UpdateBackendBalance("BTC", big.NewInt(100_000))
	}))
	_, err := e.ScheduleWithdrawal(ctx, []byte("aa"), "bad-address", big.NewInt(5000), nil)
	require.NoError(t, err)

	backend.validAddresses["bad-address"] = false
	processed := &noopSink{}
	rejected := &noopSink{}
	require.NoError(t, e.ProcessPending(ctx, processed, rejected))
	require.Empty(t, processed.events)
	require.Len(t, rejected.events, 1)
	require.Nil(t, e.latch.Get())
}

func TestProcessPendingSendsValidWithdrawal(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend)
	ctx := context.Background()

	require.NoError(t, e.st.Atomic(func(txn *store.Txn) error {
		return txn.UpdateBackendBalance("BTC", big.NewInt(100_000))
	}))
	_, err := e.ScheduleWithdrawal(ctx, []byte("aa"), "good-address", big.NewInt(5000), nil)
	require.NoError(t, err)

	processed := &noopSink{}
	rejected := &noopSink{}
	require.NoError(t, e.ProcessPending(ctx, processed, rejected))
	require.Len(t, processed.events, 1)
	require.Empty(t, rejected.events)
	require.Equal(t, "good-address", backend.sentAddr)

	pending, err := e.LookupPending(ctx, []byte("aa"))
	require.NoError(t, err)
	require.Nil(t, pending)
}
