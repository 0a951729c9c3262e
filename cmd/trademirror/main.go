package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/lgrabowski/trademirror"
	"github.com/lgrabowski/trademirror/binance"
	"github.com/lgrabowski/trademirror/daemon"
	"github.com/lgrabowski/trademirror/inmem"
	"github.com/lgrabowski/trademirror/logrus"
	"github.com/lgrabowski/trademirror/postgres"
	"github.com/lgrabowski/trademirror/pubsub"
	"github.com/lgrabowski/trademirror/sim"
	"github.com/lgrabowski/trademirror/uuid"
)

func main() {
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	config, err := readConfig()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "could not read config: [%v]", err)
		os.Exit(1)
	}

	logger := logrus.ConfigureStandardLogger(
		config.Logging.Format,
		config.Logging.Level,
	)

	coins := make([]trademirror.Coin, len(config.Coins))
	for i, coin := range config.Coins {
		coins[i] = trademirror.Coin(coin)
	}

	events := createEventService(ctx, logger, &config.PubSub)

	registry := daemon.NewRegistry(logger)

	if config.Backtest.Enabled {
		if err := registerBacktestEngine(
			ctx,
			registry,
			events,
			coins,
			config,
		); err != nil {
			logger.Fatalf("could not register backtest engine: [%v]", err)
		}
	} else {
		postgresClient, err := connectPostgres(ctx, logger, &config.Database)
		if err != nil {
			logger.Fatalf("could not connect postgres: [%v]", err)
		}

		for _, exchangeConfig := range config.Exchanges {
			if err := registerExchangeEngine(
				ctx,
				registry,
				postgresClient,
				events,
				coins,
				config.ReferenceCoin,
				&exchangeConfig,
			); err != nil {
				logger.Fatalf(
					"could not register engine for exchange [%v]: [%v]",
					exchangeConfig.Name,
					err,
				)
			}
		}
	}

	registry.EnableAll(ctx)

	waitForShutdown(ctx)

	registry.Close()
}

func createEventService(
	ctx context.Context,
	logger trademirror.Logger,
	config *PubSub,
) trademirror.EventService {
	if config.ProjectID == "" {
		return inmem.NewEventService(logger)
	}

	client, err := pubsub.NewClient(
		ctx,
		config.ProjectID,
		config.NotificationsTopic,
	)
	if err != nil {
		logger.Fatalf("could not create pubsub client: [%v]", err)
	}

	return pubsub.NewEventService(client, logger)
}

func registerExchangeEngine(
	ctx context.Context,
	registry *daemon.Registry,
	postgresClient *postgres.Client,
	events trademirror.EventService,
	coins []trademirror.Coin,
	referenceCoin string,
	config *Exchange,
) error {
	var service trademirror.ExchangeService

	switch config.Name {
	case "binance":
		binanceService, err := binance.NewExchangeService(
			ctx,
			config.ApiKey,
			config.SecretKey,
			config.Testnet,
		)
		if err != nil {
			return fmt.Errorf("could not create binance handle: [%v]", err)
		}

		service = binanceService
	default:
		return fmt.Errorf("unsupported exchange: [%v]", config.Name)
	}

	_, err := registry.Register(
		ctx,
		config.Name,
		service,
		postgres.NewHistoryRepository(postgresClient, config.Name),
		events,
		&uuid.IDService{},
		trademirror.EngineConfig{
			Coins:         coins,
			ReferenceCoin: trademirror.Coin(referenceCoin),
			FeeRate:       big.NewFloat(config.FeeRate),
			Periods:       trademirror.DefaultRefreshPeriods(),
			Disabled:      config.Disabled,
		},
	)

	return err
}

func registerBacktestEngine(
	ctx context.Context,
	registry *daemon.Registry,
	events trademirror.EventService,
	coins []trademirror.Coin,
	config *Config,
) error {
	pairs := make([]trademirror.Pair, 0, len(config.Backtest.Pairs))
	for _, value := range config.Backtest.Pairs {
		pair, err := trademirror.ParsePair(value)
		if err != nil {
			return err
		}

		pairs = append(pairs, pair)
	}

	service := sim.NewExchangeService(
		"backtest",
		pairs,
		big.NewFloat(config.Backtest.FeeRate),
	)

	for coin, amount := range config.Backtest.Deposits {
		service.Deposit(trademirror.Coin(coin), big.NewFloat(amount))
	}

	_, err := registry.Register(
		ctx,
		service.ExchangeName(),
		service,
		inmem.NewHistoryRepository(),
		events,
		&uuid.IDService{},
		trademirror.EngineConfig{
			Coins:         coins,
			ReferenceCoin: trademirror.Coin(config.ReferenceCoin),
			FeeRate:       big.NewFloat(config.Backtest.FeeRate),
			Periods:       trademirror.DefaultRefreshPeriods(),
			Simulated:     true,
		},
	)

	return err
}

func connectPostgres(
	ctx context.Context,
	logger trademirror.Logger,
	config *Database,
) (*postgres.Client, error) {
	if err := postgres.RunMigration(
		logger,
		(*postgres.Config)(config),
	); err != nil {
		return nil, fmt.Errorf(
			"could not run postgres migration: [%v]",
			err,
		)
	}

	client, err := postgres.NewClient(
		ctx,
		(*postgres.Config)(config),
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf(
			"could not create postgres client: [%v]",
			err,
		)
	}

	return client, nil
}

func waitForShutdown(ctx context.Context) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-signalChan:
	case <-ctx.Done():
	}
}
