// Command sx-demo runs the full exchange lifecycle against an in-process
// ledger: issue a one-unit asset, create and set up an exchange, place a
// losing and a winning bid, then settle. Time is driven by a virtual clock so
// the run completes immediately.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sxchain/config"
	"sxchain/core"
	"sxchain/core/events"
	"sxchain/core/types"
	"sxchain/crypto"
	"sxchain/observability"
	"sxchain/observability/logging"
	"sxchain/sdk/composer"
	"sxchain/storage"
)

const (
	bank            = 10_000_000
	reserveAmount   = 1_000_000
	minBidIncrement = 100_000
)

// logEmitter writes every structured ledger event as a log line.
type logEmitter struct {
	log *slog.Logger
}

func (e logEmitter) Emit(evt events.Event) {
	args := []any{"type", evt.EventType()}
	if detailed, ok := evt.(interface{ Event() *types.Event }); ok {
		if inner := detailed.Event(); inner != nil {
			for k, v := range inner.Attributes {
				args = append(args, k, v)
			}
		}
	}
	e.log.Info("event", args...)
}

type actor struct {
	name string
	key  *crypto.PrivateKey
	addr [20]byte
}

func newActor(name string) (actor, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return actor{}, err
	}
	a := actor{name: name, key: key}
	copy(a.addr[:], key.PubKey().Address().Bytes())
	return a, nil
}

func main() {
	configPath := flag.String("config", "./config.toml", "path to the TOML configuration file")
	useLevelDB := flag.Bool("leveldb", false, "persist the ledger under DataDir instead of running in memory")
	flag.Parse()

	if err := run(*configPath, *useLevelDB); err != nil {
		fmt.Fprintln(os.Stderr, "sx-demo:", err)
		os.Exit(1)
	}
}

func run(configPath string, useLevelDB bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.Setup("sx-demo", cfg.Env)
	logger.Info("configuration loaded", "network", cfg.NetworkName, "dataDir", cfg.DataDir)

	if cfg.MetricsAddress != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddress, mux); err != nil {
				logger.Error("metrics listener stopped", "err", err)
			}
		}()
		logger.Info("serving metrics", "addr", cfg.MetricsAddress)
	}

	var db storage.Database
	if useLevelDB {
		db, err = storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
		if err != nil {
			return err
		}
		defer db.Close()
	} else {
		db = storage.NewMemDB()
	}

	ledger, err := core.NewLedger(db, core.Params{
		MinTxnFee:         cfg.MinTxnFee,
		MinAccountBalance: cfg.MinAccountBalance,
		AssetOptInReserve: cfg.AssetOptInReserve,
	})
	if err != nil {
		return err
	}
	ledger.SetLogger(logger)
	ledger.SetEmitter(observability.MeteredEmitter{Next: logEmitter{log: logger}})

	var clock atomic.Int64
	clock.Store(100)
	ledger.SetNowFunc(clock.Load)

	seller, err := newActor("seller")
	if err != nil {
		return err
	}
	alice, err := newActor("alice")
	if err != nil {
		return err
	}
	bob, err := newActor("bob")
	if err != nil {
		return err
	}
	actors := []actor{seller, alice, bob}
	for _, a := range actors {
		ledger.Faucet(a.addr[:], bank)
	}
	logBalances(logger, ledger, actors, "funded")

	assetID, err := ledger.CreateAsset(seller.addr[:], 1, "SuperCoolNFT")
	if err != nil {
		return err
	}
	logger.Info("asset issued", "assetId", assetID, "owner", seller.key.PubKey().Address().String())

	const (
		startTime = int64(1_000)
		endTime   = int64(2_000)
	)
	appID, err := composer.CreateExchange(ledger, seller.key, seller.addr, assetID, startTime, endTime, reserveAmount, minBidIncrement)
	if err != nil {
		return err
	}
	logger.Info("exchange created", "appId", appID, "escrow", crypto.ExchangeEscrowAddress(appID).String())

	if err := composer.SetupExchange(ledger, appID, seller.key, seller.key, assetID, 1); err != nil {
		return err
	}

	clock.Store(startTime + 500)
	if err := composer.PlaceBid(ledger, appID, alice.key, reserveAmount); err != nil {
		return err
	}

	// One tenth of an increment over the lead: rejected, and its companion
	// payment reverts with the rest of the group.
	if err := composer.PlaceBid(ledger, appID, bob.key, reserveAmount+minBidIncrement/10); err != nil {
		logger.Info("low bid rejected as expected", "err", err)
	} else {
		return fmt.Errorf("low bid unexpectedly accepted")
	}

	if err := composer.PlaceBid(ledger, appID, bob.key, reserveAmount+minBidIncrement); err != nil {
		return err
	}
	logBalances(logger, ledger, actors, "bidding closed")

	clock.Store(endTime + 500)
	if err := composer.CloseExchange(ledger, appID, bob.key); err != nil {
		return err
	}
	logBalances(logger, ledger, actors, "settled")
	logger.Info("asset holder", "assetId", assetID,
		"bob", ledger.Account(bob.addr[:]).Holding(assetID),
		"seller", ledger.Account(seller.addr[:]).Holding(assetID))
	return nil
}

func logBalances(logger *slog.Logger, ledger *core.Ledger, actors []actor, phase string) {
	args := []any{"phase", phase}
	for _, a := range actors {
		args = append(args, a.name, ledger.Account(a.addr[:]).Balance)
	}
	logger.Info("balances", args...)
}
