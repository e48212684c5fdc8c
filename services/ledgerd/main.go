package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"taskledger/observability/logging"
	"taskledger/services/ledgerd/accounts"
	"taskledger/services/ledgerd/config"
	"taskledger/services/ledgerd/monitor"
	"taskledger/services/ledgerd/oracle"
	"taskledger/services/ledgerd/server"
	"taskledger/services/ledgerd/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/ledgerd/config.yaml", "path to ledgerd configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("LEDGER_ENV"))
	log := logging.Setup("ledgerd", env)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}

	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		log.Error("resolve storage dsn", "error", err)
		os.Exit(1)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		log.Error("open storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ledger := accounts.NewService(store, accounts.WithLogger(log))

	chainClient, err := monitor.DialChainClient(cfg.Chain.RPCURL)
	if err != nil {
		log.Error("dial chain rpc", "error", err)
		os.Exit(1)
	}
	defer chainClient.Close()

	watcher, err := monitor.NewERC20Watcher(
		chainClient,
		common.HexToAddress(cfg.Chain.Token),
		common.HexToAddress(cfg.Chain.Treasury),
	)
	if err != nil {
		log.Error("configure transfer watcher", "error", err)
		os.Exit(1)
	}

	mon, err := monitor.New(watcher, ledger, common.HexToAddress(cfg.Chain.Treasury),
		monitor.WithPollInterval(cfg.Chain.PollInterval.Duration),
		monitor.WithLogger(log),
	)
	if err != nil {
		log.Error("configure deposit monitor", "error", err)
		os.Exit(1)
	}

	oracleClient := chainClient
	if cfg.Oracle.RPCURL != cfg.Chain.RPCURL {
		oracleClient, err = monitor.DialChainClient(cfg.Oracle.RPCURL)
		if err != nil {
			log.Error("dial oracle rpc", "error", err)
			os.Exit(1)
		}
		defer oracleClient.Close()
	}
	pair, err := oracle.NewAMMPair(oracleClient, common.HexToAddress(cfg.Oracle.Pair))
	if err != nil {
		log.Error("configure amm pair", "error", err)
		os.Exit(1)
	}
	prices, err := oracle.New(pair, common.HexToAddress(cfg.Oracle.Token),
		cfg.Oracle.FreshWindow.Duration, cfg.Oracle.StaleWindow.Duration,
		oracle.WithLogger(log),
	)
	if err != nil {
		log.Error("configure price oracle", "error", err)
		os.Exit(1)
	}

	srv, err := server.New(server.Config{ListenAddress: cfg.ListenAddress}, ledger, mon, prices, log)
	if err != nil {
		log.Error("configure http server", "error", err)
		os.Exit(1)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mon.Start(rootCtx, cfg.Chain.StartBlock); err != nil {
		log.Error("start deposit monitor", "error", err)
		os.Exit(1)
	}
	defer mon.Stop()

	go sweepLoop(rootCtx, ledger, cfg.SweepInterval.Duration, log)

	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("http server", "error", err)
		os.Exit(1)
	}
}

// sweepLoop purges expired reservations so held funds return to the
// available balance even when no spend path touches the account.
func sweepLoop(ctx context.Context, ledger *accounts.Service, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := ledger.SweepExpiredReservations(ctx); err != nil {
				log.Warn("sweep expired reservations", "error", err)
			}
		}
	}
}
