package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"turtle-futures-bot/config"
	"turtle-futures-bot/internal/api"
	"turtle-futures-bot/internal/binance"
	"turtle-futures-bot/internal/bot"
	"turtle-futures-bot/internal/broker"
	"turtle-futures-bot/internal/database"
	"turtle-futures-bot/internal/dispatcher"
	"turtle-futures-bot/internal/events"
	"turtle-futures-bot/internal/execution"
	"turtle-futures-bot/internal/logging"
	"turtle-futures-bot/internal/market"
	"turtle-futures-bot/internal/metrics"
	"turtle-futures-bot/internal/notification"
	"turtle-futures-bot/internal/risk"
	"turtle-futures-bot/internal/strategy"
	"turtle-futures-bot/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Default().Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("Bot exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		return err
	}
	if err := vault.ApplyBrokerCredentials(ctx, vaultClient, &cfg.BrokerConfig); err != nil {
		return err
	}

	instruments, err := bot.InstrumentsFromConfig(cfg.Instruments)
	if err != nil {
		return err
	}
	symbols := make([]string, len(instruments))
	for i, inst := range instruments {
		symbols[i] = inst.Symbol
	}

	eventBus := events.NewEventBus()
	notifyManager := newNotificationManager(cfg.NotificationConfig, logger)
	if notifyManager.Enabled() {
		notifyManager.Attach(eventBus)
	}
	collectors := metrics.New()

	repo, err := database.Open(ctx, cfg.StorageConfig, logger)
	if err != nil {
		return err
	}
	defer repo.Close()
	logger.Info().Str("backend", cfg.StorageConfig.Backend).Msg("Context store ready")

	stream := binance.NewMarketStream(binance.StreamOptions{
		URL:          cfg.StreamConfig.URL,
		StatusStream: cfg.StreamConfig.StatusStream,
		MaxBackoff:   cfg.StreamConfig.MaxBackoff.Std(),
		BufferSize:   cfg.StreamConfig.BufferSize,
	}, nil, logger)

	// Candles are public; the REST client serves them in paper mode too
	rest := binance.NewFuturesClient(binance.ClientOptions{
		APIKey:            cfg.BrokerConfig.APIKey,
		SecretKey:         cfg.BrokerConfig.SecretKey,
		BaseURL:           cfg.BrokerConfig.BaseURL,
		RequestsPerSecond: cfg.BrokerConfig.RequestsPerSecond,
	}, instruments, logger)

	var client broker.Client = rest
	var positions broker.PositionSource = rest
	if cfg.BrokerConfig.PaperMode {
		paper := binance.NewPaperClient(decimal.NewFromFloat(cfg.BrokerConfig.PaperCapital), instruments, stream.LastPrice, logger)
		client, positions = paper, paper
		logger.Warn().Float64("capital", cfg.BrokerConfig.PaperCapital).Msg("Paper mode, orders are simulated")
	}

	latest := market.NewLatestPrices()
	coordinator := execution.NewCoordinator(
		client,
		latest,
		risk.NewSizer(cfg.StrategyConfig.RiskFraction),
		pollPolicy(cfg.ExecutionConfig.Open),
		pollPolicy(cfg.ExecutionConfig.Close),
		logger,
		execution.WithObserver(collectors),
		execution.WithCapitalSource(broker.NewCachedCapital(client, cfg.BrokerConfig.CapitalCacheTTL.Std())),
	)

	s := cfg.StrategyConfig
	runner := bot.NewRunner(repo, coordinator, rest, stream, eventBus, instruments, bot.Settings{
		MaxUnits:       s.MaxUnits,
		Periods:        strategy.Periods{ATR: s.ATRPeriod, Entry: s.EntryPeriod, Exit: s.ExitPeriod},
		CandleInterval: s.CandleInterval,
		CandleLimit:    s.CandleLimit,
	}, logger, bot.WithRecorder(collectors), bot.WithPositions(positions))

	disp := dispatcher.New(runner.Flow, latest, logger,
		dispatcher.WithSink(runner.Sink),
		dispatcher.WithObserver(collectors),
	)
	runner.SetGate(disp)

	if _, err := runner.Resume(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to resume stored contexts")
	}
	if _, err := runner.Reconcile(ctx); err != nil {
		logger.Error().Err(err).Msg("Stored contexts disagree with broker positions")
	}
	autoSubscribe(ctx, runner, symbols, logger)

	var server *api.Server
	if cfg.ServerConfig.Enabled {
		server = api.NewServer(api.ServerConfig{
			Port:           cfg.ServerConfig.Port,
			Host:           cfg.ServerConfig.Host,
			ProductionMode: true,
			AllowedOrigins: cfg.ServerConfig.AllowedOrigins,
		}, runner, eventBus, logger,
			api.WithMetrics(collectors.Handler()),
			api.WithHealthCheck("store", func(ctx context.Context) error { return database.HealthCheck(ctx, repo) }),
			api.WithHealthCheck("vault", vaultClient.Health),
		)
	}

	eventBus.Publish(events.Event{
		Type: events.EventBotStarted,
		Data: map[string]interface{}{
			"paper":       cfg.BrokerConfig.PaperMode,
			"testnet":     cfg.BrokerConfig.TestNet,
			"instruments": symbols,
		},
	})

	var wg conc.WaitGroup
	wg.Go(func() {
		if err := stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("Market stream stopped")
		}
	})
	wg.Go(func() {
		if err := disp.Run(ctx, stream.Events()); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("Dispatcher stopped")
		}
	})
	wg.Go(func() {
		runner.RunRefresher(ctx, s.RefreshInterval.Std())
	})
	if server != nil {
		wg.Go(func() {
			if err := server.Start(ctx); err != nil {
				logger.Error().Err(err).Msg("HTTP server failed")
			}
		})
	}

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	eventBus.Publish(events.Event{Type: events.EventBotStopped})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Error shutting down web server")
		}
	}

	wg.Wait()
	eventBus.Wait()
	return ctx.Err()
}

func pollPolicy(p config.PollPolicy) execution.Policy {
	return execution.Policy{
		MaxAttempts:   p.MaxAttempts,
		RetryInterval: p.RetryInterval.Std(),
		SettleDelay:   p.SettleDelay.Std(),
	}
}

// autoSubscribe creates contexts for configured instruments that have none
func autoSubscribe(ctx context.Context, runner *bot.Runner, symbols []string, logger zerolog.Logger) {
	for _, symbol := range symbols {
		if _, err := runner.Subscribe(ctx, symbol); err != nil {
			if errors.Is(err, bot.ErrAlreadySubscribed) {
				continue
			}
			logger.Error().Err(err).Str("instrument", symbol).Msg("Failed to subscribe instrument")
		}
	}
}

func newNotificationManager(cfg config.NotificationConfig, logger zerolog.Logger) *notification.Manager {
	manager := notification.NewManager(logger)
	if !cfg.Enabled {
		return manager
	}
	if cfg.Telegram.Enabled {
		manager.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
			BotToken: cfg.Telegram.BotToken,
			ChatID:   cfg.Telegram.ChatID,
			Enabled:  cfg.Telegram.Enabled,
		}))
		logger.Info().Msg("Telegram notifications enabled")
	}
	if cfg.Discord.Enabled {
		manager.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
			WebhookURL: cfg.Discord.WebhookURL,
			Enabled:    cfg.Discord.Enabled,
		}))
		logger.Info().Msg("Discord notifications enabled")
	}
	return manager
}
