// Package dispatch implements the Request Dispatcher (spec.md §4.5/§6): it
// validates caller identifiers, resolves coin -> adapter, and routes each
// API method to the correct chainadapter.Adapter operation. It is the sole
// caller-initiated entry point into the core, mirroring the way
// go-ethereum's internal/ethapi hand-written API objects sit in front of
// the shared backend the way this dispatcher sits in front of the shared
// registry of coin engines.
package dispatch

import (
	"context"
	"encoding/hex"
	"math/big"

	"github.com/custodyd/custodyd/internal/chainadapter"
	"github.com/custodyd/custodyd/internal/fixedpoint"
	"github.com/custodyd/custodyd/internal/outbox"
)

// Dispatcher routes API calls to the registered coin adapters.
type Dispatcher struct {
	coins  map[string]chainadapter.Adapter
	decim  map[string]int
	round  map[string]fixedpoint.Rounding
	outbox *outbox.Tables
}

// CoinEntry is one registered adapter plus the decoding parameters the
// dispatcher needs to convert caller-supplied decimal amounts.
type CoinEntry struct {
	Adapter  chainadapter.Adapter
	Decimals int
	Rounding fixedpoint.Rounding
}

// New builds a Dispatcher over the given coin -> adapter registry.
func New(coins map[string]CoinEntry, ob *outbox.Tables) *Dispatcher {
	d := &Dispatcher{
		coins:  make(map[string]chainadapter.Adapter, len(coins)),
		decim:  make(map[string]int, len(coins)),
		round:  make(map[string]fixedpoint.Rounding, len(coins)),
		outbox: ob,
	}
	for name, e := range coins {
		d.coins[name] = e.Adapter
		d.decim[name] = e.Decimals
		d.round[name] = e.Rounding
	}
	return d
}

// ErrUnknownCoin is the distinguished error spec.md §4.5 requires for an
// unrecognized coin ticker.
var ErrUnknownCoin = chainadapter.Newf(chainadapter.InputValidation, "unknown coin")

func (d *Dispatcher) resolve(coin string) (chainadapter.Adapter, int, fixedpoint.Rounding, error) {
	a, ok := d.coins[coin]
	if !ok {
		return nil, 0, 0, ErrUnknownCoin
	}
	return a, d.decim[coin], d.round[coin], nil
}

// Decimals reports the configured decimal precision for coin, the value
// the external boundary must use to render that coin's minimal-unit
// integers as decimal strings (spec.md §3). Callers that already hold an
// Adapter from GetAllCoinStats's iteration can use this instead of
// resolving the adapter again.
func (d *Dispatcher) Decimals(coin string) (int, error) {
	if _, ok := d.coins[coin]; !ok {
		return 0, ErrUnknownCoin
	}
	return d.decim[coin], nil
}

// ValidateUserID enforces spec.md §4.5: "a non-empty even-length lowercase
// hex string", returning the decoded byte sequence the store keys on.
func ValidateUserID(user string) ([]byte, error) {
	if user == "" || len(user)%2 != 0 {
		return nil, chainadapter.Newf(chainadapter.InputValidation, "userId must be a non-empty even-length hex string")
	}
	for _, r := range user {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return nil, chainadapter.Newf(chainadapter.InputValidation, "userId must be lowercase hex")
		}
	}
	b, err := hex.DecodeString(user)
	if err != nil {
		return nil, chainadapter.Newf(chainadapter.InputValidation, "userId must be lowercase hex")
	}
	return b, nil
}

// GetProxyInfo implements the getProxyInfo API method.
func (d *Dispatcher) GetProxyInfo(ctx context.Context, coin string) (chainadapter.ProxyInfo, error) {
	a, _, _, err := d.resolve(coin)
	if err != nil {
		return chainadapter.ProxyInfo{}, err
	}
	return a.ProxyInfo(ctx)
}

// GetStats implements getStats.
func (d *Dispatcher) GetStats(ctx context.Context, coin, user string) (chainadapter.AccountStats, error) {
	a, _, _, err := d.resolve(coin)
	if err != nil {
		return chainadapter.AccountStats{}, err
	}
	uid, err := ValidateUserID(user)
	if err != nil {
		return chainadapter.AccountStats{}, err
	}
	return a.AccountInfo(ctx, uid)
}

// GetAllCoinStats implements getAllCoinStats: stats for user across every
// registered coin, keyed by ticker.
func (d *Dispatcher) GetAllCoinStats(ctx context.Context, user string) (map[string]chainadapter.AccountStats, error) {
	uid, err := ValidateUserID(user)
	if err != nil {
		return nil, err
	}
	out := make(map[string]chainadapter.AccountStats, len(d.coins))
	for coin, a := range d.coins {
		stats, err := a.AccountInfo(ctx, uid)
		if err != nil {
			return nil, err
		}
		out[coin] = stats
	}
	return out, nil
}

// SetDeposit implements setDeposit. amount is ignored unless the coin's
// distinction is amount-based, in which case it is required and is the
// caller's decimal deposit intent.
func (d *Dispatcher) SetDeposit(ctx context.Context, coin, user, amount string) (chainadapter.Handle, error) {
	a, decimals, _, err := d.resolve(coin)
	if err != nil {
		return chainadapter.Handle{}, err
	}
	uid, err := ValidateUserID(user)
	if err != nil {
		return chainadapter.Handle{}, err
	}
	var amt *big.Int
	if a.Distinction() == chainadapter.DistinctionAmount {
		if amount == "" {
			return chainadapter.Handle{}, chainadapter.Newf(chainadapter.InputValidation, "amount is required for this coin's distinction")
		}
		amt, err = fixedpoint.ParseExact(amount, decimals)
		if err != nil {
			return chainadapter.Handle{}, chainadapter.Wrap(chainadapter.InputValidation, err)
		}
	}
	return a.ResolveDepositHandle(ctx, uid, amt)
}

// GetDeposit implements getDeposit.
func (d *Dispatcher) GetDeposit(ctx context.Context, coin, user string) ([]chainadapter.Handle, error) {
	a, _, _, err := d.resolve(coin)
	if err != nil {
		return nil, err
	}
	uid, err := ValidateUserID(user)
	if err != nil {
		return nil, err
	}
	return a.ListAwaitingDeposits(ctx, uid)
}

// DeleteDeposit implements deleteDeposit. It returns false (no-op) for
// distinctions other than amount-based, per spec.md §4.5.
func (d *Dispatcher) DeleteDeposit(ctx context.Context, coin, user string) (bool, error) {
	a, _, _, err := d.resolve(coin)
	if err != nil {
		return false, err
	}
	if a.Distinction() != chainadapter.DistinctionAmount {
		return false, nil
	}
	uid, err := ValidateUserID(user)
	if err != nil {
		return false, err
	}
	if err := a.CancelAwaitingDeposits(ctx, uid); err != nil {
		return false, err
	}
	return true, nil
}

// SetPending implements setPending.
func (d *Dispatcher) SetPending(ctx context.Context, coin, user, address, amount string, tag *uint64) (chainadapter.PendingPayout, error) {
	a, decimals, _, err := d.resolve(coin)
	if err != nil {
		return chainadapter.PendingPayout{}, err
	}
	uid, err := ValidateUserID(user)
	if err != nil {
		return chainadapter.PendingPayout{}, err
	}
	amt, err := fixedpoint.ParseExact(amount, decimals)
	if err != nil {
		return chainadapter.PendingPayout{}, chainadapter.Wrap(chainadapter.InputValidation, err)
	}
	return a.ScheduleWithdrawal(ctx, uid, address, amt, tag)
}

// GetPending implements getPending.
func (d *Dispatcher) GetPending(ctx context.Context, coin, user string) (*chainadapter.PendingPayout, error) {
	a, _, _, err := d.resolve(coin)
	if err != nil {
		return nil, err
	}
	uid, err := ValidateUserID(user)
	if err != nil {
		return nil, err
	}
	return a.LookupPending(ctx, uid)
}

// ListDeposits implements listDeposits.
func (d *Dispatcher) ListDeposits(ctx context.Context, coin, user string, skip int) ([]chainadapter.DepositRecord, error) {
	a, _, _, err := d.resolve(coin)
	if err != nil {
		return nil, err
	}
	uid, err := ValidateUserID(user)
	if err != nil {
		return nil, err
	}
	return a.ListDeposits(ctx, uid, skip)
}

// ListWithdrawals implements listWithdrawals.
func (d *Dispatcher) ListWithdrawals(ctx context.Context, coin, user string, skip int) ([]chainadapter.WithdrawalRecord, error) {
	a, _, _, err := d.resolve(coin)
	if err != nil {
		return nil, err
	}
	uid, err := ValidateUserID(user)
	if err != nil {
		return nil, err
	}
	return a.ListWithdrawals(ctx, uid, skip)
}

// outbox drain methods: listProcessedDeposits/listProcessedWithdrawals/
// listRejectedWithdrawals, per-user and the listAll… variants.

func (d *Dispatcher) ListProcessedDeposits(coin, user string) ([]outbox.Event, error) {
	return d.drainUser(outbox.KindDeposit, coin, user)
}

func (d *Dispatcher) ListProcessedWithdrawals(coin, user string) ([]outbox.Event, error) {
	return d.drainUser(outbox.KindWithdrawal, coin, user)
}

func (d *Dispatcher) ListRejectedWithdrawals(coin, user string) ([]outbox.Event, error) {
	return d.drainUser(outbox.KindRejected, coin, user)
}

func (d *Dispatcher) ListAllProcessedDeposits(coin string) ([]outbox.Event, error) {
	return d.drainAll(outbox.KindDeposit, coin)
}

func (d *Dispatcher) ListAllProcessedWithdrawals(coin string) ([]outbox.Event, error) {
	return d.drainAll(outbox.KindWithdrawal, coin)
}

func (d *Dispatcher) ListAllRejectedWithdrawals(coin string) ([]outbox.Event, error) {
	return d.drainAll(outbox.KindRejected, coin)
}

func (d *Dispatcher) drainUser(kind, coin, user string) ([]outbox.Event, error) {
	if _, _, _, err := d.resolve(coin); err != nil {
		return nil, err
	}
	uid, err := ValidateUserID(user)
	if err != nil {
		return nil, err
	}
	return d.outbox.DrainUser(kind, coin, uid)
}

func (d *Dispatcher) drainAll(kind, coin string) ([]outbox.Event, error) {
	if _, _, _, err := d.resolve(coin); err != nil {
		return nil, err
	}
	return d.outbox.DrainAll(kind, coin)
}
