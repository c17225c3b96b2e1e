package outbox

import (
	"testing"

	"github.com/custodyd/custodyd/internal/store"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestDrainUserIsExactlyOnce(t *testing.T) {
	tabs := New(openTestStore(t))
	user := []byte{0xaa}

	require.NoError(t, tabs.AppendProcessedDeposit("BTC", user, map[string]string{"txHash": "t1"}))
	require.NoError(t, tabs.AppendProcessedDeposit("BTC", user, map[string]string{"txHash": "t2"}))

	events, err := tabs.DrainUser(KindDeposit, "BTC", user)
	require.NoError(t, err)
	require.Len(t, events, 2)

	again, err := tabs.DrainUser(KindDeposit, "BTC", user)
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestDrainAllCoversEveryUser(t *testing.T) {
	tabs := New(openTestStore(t))
	require.NoError(t, tabs.AppendRejectedWithdrawal("ETH", []byte{0x01}, map[string]string{"reason": "bad address"}))
	require.NoError(t, tabs.AppendRejectedWithdrawal("ETH", []byte{0x02}, map[string]string{"reason": "bad address"}))
	require.NoError(t, tabs.AppendRejectedWithdrawal("BTC", []byte{0x03}, map[string]string{"reason": "bad address"}))

	events, err := tabs.DrainAll(KindRejected, "ETH")
	require.NoError(t, err)
	require.Len(t, events, 2)

	stillThere, err := tabs.DrainAll(KindRejected, "BTC")
	require.NoError(t, err)
	require.Len(t, stillThere, 1)
}
