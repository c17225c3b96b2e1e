package rpcserver

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/custodyd/custodyd/internal/chain/tag"
	"github.com/custodyd/custodyd/internal/dispatch"
	"github.com/custodyd/custodyd/internal/fixedpoint"
	"github.com/custodyd/custodyd/internal/gethlog"
	"github.com/custodyd/custodyd/internal/outbox"
	"github.com/custodyd/custodyd/internal/store"
)

// nopTagBackend satisfies tag.Backend without ever being exercised by the
// transport-level tests in this file.
type nopTagBackend struct{}

func (nopTagBackend) AccountTx(ctx context.Context, marker any) ([]tag.LedgerTx, any, error) {
	return nil, nil, nil
}
func (nopTagBackend) AccountInfo(ctx context.Context) (tag.AccountInfo, error) {
	return tag.AccountInfo{Balance: big.NewInt(0)}, nil
}
func (nopTagBackend) SubmitPayment(ctx context.Context, address string, value *big.Int, t *uint64) (string, bool, error) {
	return "", false, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	eng := tag.New(tag.Config{Coin: "XRP", Decimals: 6, RootAddress: "rRoot"}, st, nopTagBackend{}, gethlog.Root())
	ob := outbox.New(st)
	d := dispatch.New(map[string]dispatch.CoinEntry{
		"XRP": {Adapter: eng, Decimals: 6, Rounding: fixedpoint.Truncate},
	}, ob)
	srv := New("", d, ob, []string{"XRP"}, gethlog.Root())
	ts := httptest.NewServer(srv.http.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSetDepositThenGetStats(t *testing.T) {
	ts := newTestServer(t)

	setResp := call(t, ts.URL, "setDeposit", map[string]any{"coin": "XRP", "user": "aa"})
	require.Nil(t, setResp.Error)
	var result map[string]any
	require.NoError(t, json.Unmarshal(setResp.Result, &result))
	require.Equal(t, "rRoot", result["address"])
	require.NotNil(t, result["tag"])

	statsResp := call(t, ts.URL, "getStats", map[string]any{"coin": "XRP", "user": "aa"})
	require.Nil(t, statsResp.Error)
}

func TestSetPendingReturnsDecimalFormattedAmount(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Atomic(func(txn *store.Txn) error {
		return txn.UpdateBackendBalance("XRP", big.NewInt(10_000_000))
	}))

	eng := tag.New(tag.Config{Coin: "XRP", Decimals: 6, RootAddress: "rRoot", MinimumAmount: big.NewInt(0)}, st, nopTagBackend{}, gethlog.Root())
	ob := outbox.New(st)
	d := dispatch.New(map[string]dispatch.CoinEntry{
		"XRP": {Adapter: eng, Decimals: 6, Rounding: fixedpoint.Truncate},
	}, ob)
	srv := New("", d, ob, []string{"XRP"}, gethlog.Root())
	ts := httptest.NewServer(srv.http.Handler)
	t.Cleanup(ts.Close)

	destTag := uint64(7)
	resp := call(t, ts.URL, "setPending", map[string]any{
		"coin": "XRP", "user": "aa", "address": "rDest", "amount": "1.000000", "tag": destTag,
	})
	require.Nil(t, resp.Error)
	var result map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	// The external boundary renders minimal-unit integers as decimal
	// strings (spec.md §3); it must not leak the raw "1000000" units.
	require.Equal(t, "1.000000", result["amount"])
}

func TestUnknownCoinReturnsJSONRPCError(t *testing.T) {
	ts := newTestServer(t)

	resp := call(t, ts.URL, "getProxyInfo", map[string]any{"coin": "NOPE"})
	require.NotNil(t, resp.Error)
	require.Equal(t, -32602, resp.Error.Code)
}

func TestMalformedUserIDReturnsInputValidationError(t *testing.T) {
	ts := newTestServer(t)

	resp := call(t, ts.URL, "getStats", map[string]any{"coin": "XRP", "user": "not-hex"})
	require.NotNil(t, resp.Error)
	require.Equal(t, -32602, resp.Error.Code)
}

type rawResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func call(t *testing.T, url, method string, p map[string]any) rawResponse {
	t.Helper()
	paramsBody, err := json.Marshal(p)
	require.NoError(t, err)
	reqBody, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": method, "params": json.RawMessage(paramsBody),
	})
	require.NoError(t, err)

	resp, err := http.Post(url+"/", "application/json", bytes.NewReader(reqBody))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out rawResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}
