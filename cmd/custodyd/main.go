// Command custodyd is the reconciliation daemon: it loads a TOML
// configuration (internal/config), opens the shared ledger store, builds one
// chain adapter per configured coin, and runs the reconciliation scheduler
// and the JSON-RPC transport side by side until asked to shut down.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	_ "go.uber.org/automaxprocs" // sets GOMAXPROCS from the container cgroup quota

	"github.com/custodyd/custodyd/internal/chain/account"
	"github.com/custodyd/custodyd/internal/chain/rpcclient"
	"github.com/custodyd/custodyd/internal/chain/tag"
	"github.com/custodyd/custodyd/internal/chain/token"
	"github.com/custodyd/custodyd/internal/chain/utxo"
	"github.com/custodyd/custodyd/internal/chainadapter"
	"github.com/custodyd/custodyd/internal/config"
	"github.com/custodyd/custodyd/internal/dispatch"
	"github.com/custodyd/custodyd/internal/fixedpoint"
	"github.com/custodyd/custodyd/internal/gethlog"
	"github.com/custodyd/custodyd/internal/hdwallet"
	"github.com/custodyd/custodyd/internal/outbox"
	"github.com/custodyd/custodyd/internal/rpcserver"
	"github.com/custodyd/custodyd/internal/schedule"
	"github.com/custodyd/custodyd/internal/store"
)

var configFlag = &cli.StringFlag{
	Name:     "config",
	Aliases:  []string{"c"},
	Usage:    "path to the daemon's TOML configuration file",
	Required: true,
}

func main() {
	app := &cli.App{
		Name:  "custodyd",
		Usage: "multi-chain custodial deposit/withdrawal reconciliation daemon",
		Flags: []cli.Flag{configFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "custodyd:", err)
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	cfg, err := config.Load(cliCtx.String("config"))
	if err != nil {
		return err
	}

	log := setupLogging(cfg)
	gethlog.SetRoot(log)

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	ob := outbox.New(st)

	entries := make(map[string]dispatch.CoinEntry, len(cfg.Coins))
	scheduled := make([]schedule.CoinAdapter, 0, len(cfg.Coins))
	coinNames := make([]string, 0, len(cfg.Coins))

	for _, cc := range cfg.Coins {
		adapter, err := buildAdapter(cc, st, log)
		if err != nil {
			return fmt.Errorf("custodyd: coin %q: %w", cc.Name, err)
		}
		rounding := fixedpoint.Truncate
		if cc.Options.Rounding == "half_up" {
			rounding = fixedpoint.HalfUp
		}
		entries[cc.Name] = dispatch.CoinEntry{Adapter: adapter, Decimals: cc.Options.Decimals, Rounding: rounding}
		scheduled = append(scheduled, schedule.CoinAdapter{Coin: cc.Name, Adapter: adapter})
		coinNames = append(coinNames, cc.Name)
	}

	d := dispatch.New(entries, ob)
	loop := schedule.New(scheduled, ob, cfg.TickDelay(), log)
	srv := rpcserver.New(cfg.RPCAddr, d, ob, coinNames, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return loop.Run(groupCtx) })
	group.Go(func() error { return srv.ListenAndServe(groupCtx) })

	log.Info("custodyd started", "coins", coinNames, "rpc_addr", cfg.RPCAddr)
	return group.Wait()
}

// setupLogging builds the process-wide logger: a colorized terminal handler
// on stderr, and — when log_file is configured — a second, plain JSON
// handler writing through a lumberjack rotating writer, fanned out with
// slog's multi-handler-by-hand idiom (go-ethereum's own cmd/geth wires its
// file handler the same way, through its log.Handler composition).
func setupLogging(cfg config.Config) gethlog.Logger {
	handlers := []slog.Handler{gethlog.NewTerminalHandler(os.Stderr)}
	if cfg.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		handlers = append(handlers, gethlog.JSONHandler(rotator))
	}
	return gethlog.New(fanoutHandler(handlers))
}

// fanoutHandler combines multiple slog.Handlers into one, the way a
// production daemon routes the same record to both a console and a file
// sink without instantiating two independent Logger trees.
type multiHandler struct {
	handlers []slog.Handler
}

func fanoutHandler(handlers []slog.Handler) slog.Handler {
	if len(handlers) == 1 {
		return handlers[0]
	}
	return multiHandler{handlers: handlers}
}

func (m multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return multiHandler{handlers: next}
}

func (m multiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithGroup(name)
	}
	return multiHandler{handlers: next}
}

// buildAdapter constructs the concrete chainadapter.Adapter for one
// configured coin, switching on its declared type (spec.md §6).
func buildAdapter(cc config.CoinConfig, st *store.Store, log gethlog.Logger) (chainadapter.Adapter, error) {
	opt := cc.Options
	minimum, err := decimalOrZero(opt.MinimumAmount, opt.Decimals)
	if err != nil {
		return nil, fmt.Errorf("minimum_amount: %w", err)
	}
	fee, err := decimalOrZero(opt.StaticFee, opt.Decimals)
	if err != nil {
		return nil, fmt.Errorf("static_fee: %w", err)
	}

	switch cc.Type {
	case config.TypeSatoshi:
		rounding := fixedpoint.Truncate
		if opt.Rounding == "half_up" {
			rounding = fixedpoint.HalfUp
		}
		rpc := rpcclient.New(fmt.Sprintf("http://%s:%d", opt.Backend.Host, opt.Backend.Port), &rpcclient.BasicAuth{
			Username: opt.Backend.Username,
			Password: opt.Backend.Password,
		})
		backend := utxo.NewRPCBackend(rpc)
		return utxo.New(utxo.Config{
			Coin:             cc.Name,
			Decimals:         opt.Decimals,
			MinimumAmount:    minimum,
			Confirmations:    opt.Confirmations,
			StaticFee:        fee,
			Rounding:         rounding,
			Label:            opt.Label,
			UnlockPassphrase: opt.Backend.UnlockPassword,
			UnlockSeconds:    opt.Backend.UnlockSeconds,
		}, st, backend, log)

	case config.TypeButerin:
		rpc := rpcclient.New(opt.Web3URL, nil)
		wallet, err := hdwallet.New(opt.Mnemonic)
		if err != nil {
			return nil, err
		}
		backend := account.NewRPCBackend(rpc, wallet)
		return account.New(account.Config{
			Coin:          cc.Name,
			Decimals:      opt.Decimals,
			MinimumAmount: minimum,
			Confirmations: uint64(opt.Confirmations),
			GasUnits:      opt.GasUnits,
			StaticFee:     fee,
			Mnemonic:      opt.Mnemonic,
		}, st, backend, log)

	case config.TypeERC20:
		rpc := rpcclient.New(opt.Web3URL, nil)
		backend := token.NewRPCBackend(rpc, opt.ContractAddress)
		return token.New(token.Config{
			Coin:          cc.Name,
			Decimals:      opt.Decimals,
			MinimumAmount: minimum,
			Confirmations: uint64(opt.Confirmations),
			StaticFee:     fee,
			RootAddress:   opt.RootAddress,
		}, st, backend, log), nil

	case config.TypeRipple:
		rpc := rpcclient.New(opt.BackendURL, nil)
		backend := tag.NewRPCBackend(rpc, opt.RootAddress)
		return tag.New(tag.Config{
			Coin:          cc.Name,
			Decimals:      opt.Decimals,
			MinimumAmount: minimum,
			RootAddress:   opt.RootAddress,
		}, st, backend, log), nil

	default:
		return nil, fmt.Errorf("unrecognized coin type %q", cc.Type)
	}
}

func decimalOrZero(s string, decimals int) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	return fixedpoint.Parse(s, decimals, fixedpoint.Truncate)
}
