package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/satsvault/custodiad/internal/config"
	"github.com/satsvault/custodiad/internal/core/domain"
)

func main() {
	app := &cli.App{
		Name:   "custodiad",
		Usage:  "custodial bitcoin transaction backend",
		Flags:  config.Flags,
		Action: start,
		Commands: []*cli.Command{
			retryTxCmd,
			setFeeRateCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func start(ctx *cli.Context) error {
	cfg, err := config.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("invalid config: %s", err)
	}

	log.SetLevel(log.Level(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %s", err)
	}

	log.Debugf("config: %s", cfg)

	pipeline := cfg.Pipeline()
	watcher := cfg.CommitmentWatcher()
	pool := cfg.OutputPool()
	scheduler := cfg.Scheduler()

	scheduler.Start()
	if err := scheduler.ScheduleTaskWithInterval(cfg.CoinLeaseDuration, func() {
		if err := pool.Reconcile(ctx.Context, domain.FeePoolKey, cfg.PoolAddress); err != nil {
			log.WithError(err).Error("failed to reconcile output pool")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule pool reconciliation: %s", err)
	}

	log.Info("starting service...")
	pipeline.Start()
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("failed to start commitment watcher: %s", err)
	}

	log.RegisterExitHandler(func() {
		watcher.Stop()
		pipeline.Stop()
		scheduler.Stop()
		cfg.CommandQueue().Close()
		cfg.RepoManager().Close()
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(
		sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGHUP, os.Interrupt,
	)
	<-sigChan

	log.Info("shutting down service...")
	log.Exit(0)
	return nil
}

var retryTxCmd = &cli.Command{
	Name:  "retry-tx",
	Usage: "requeue a poisoned transaction command for processing",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:     "id",
			Usage:    "transaction id of the poisoned command",
			Required: true,
		},
	}, config.Flags...),
	Action: func(ctx *cli.Context) error {
		cfg, err := config.LoadConfig(ctx)
		if err != nil {
			return fmt.Errorf("invalid config: %s", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %s", err)
		}
		defer func() {
			cfg.CommandQueue().Close()
			cfg.RepoManager().Close()
		}()

		requeued, err := cfg.Pipeline().RetryFailedTransaction(ctx.Context, ctx.String("id"))
		if err != nil {
			return err
		}
		if !requeued {
			return fmt.Errorf("no poisoned command found for transaction %s", ctx.String("id"))
		}

		fmt.Printf("transaction %s requeued\n", ctx.String("id"))
		return nil
	},
}

var setFeeRateCmd = &cli.Command{
	Name:  "set-fee-rate",
	Usage: "update the fee rate used for transaction building",
	Flags: append([]cli.Flag{
		&cli.Int64Flag{
			Name:     "sat-per-byte",
			Usage:    "fee rate in satoshis per byte",
			Required: true,
		},
	}, config.Flags...),
	Action: func(ctx *cli.Context) error {
		cfg, err := config.LoadConfig(ctx)
		if err != nil {
			return fmt.Errorf("invalid config: %s", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %s", err)
		}
		defer func() {
			cfg.CommandQueue().Close()
			cfg.RepoManager().Close()
		}()

		if err := cfg.FeeEstimator().SetFeeRate(
			ctx.Context, ctx.Int64("sat-per-byte"),
		); err != nil {
			return err
		}

		fmt.Printf("fee rate set to %d sat/byte\n", ctx.Int64("sat-per-byte"))
		return nil
	},
}
