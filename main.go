package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BatmanBruc/bat-bot-vpnshop/internal/api"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/checkout"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/config"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/expiry"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/handlers"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/ledger"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/middleware"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/notify"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/panel"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/payments"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/promo"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/scheduler"
	"github.com/BatmanBruc/bat-bot-vpnshop/internal/subscription"
	"github.com/BatmanBruc/bat-bot-vpnshop/store"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := config.LoadEnvFile("config.env"); err != nil {
		logger.Warn("failed to read config.env", "error", err)
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pgStore, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("failed to connect to Postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()

	var deliveryCache api.DeliveryCache
	if cfg.RedisAddr != "" {
		rdb, err := store.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
		if err != nil {
			logger.Warn("delivery cache disabled", "error", err)
		} else {
			defer rdb.Close()
			deliveryCache = store.NewDeliveryCache(rdb, cfg.DeliveryCacheTTL())
		}
	}

	b, err := bot.New(cfg.BotToken, bot.WithHTTPClient(50*time.Second, &http.Client{Timeout: time.Minute}))
	if err != nil {
		logger.Error("failed to create bot", "error", err)
		os.Exit(1)
	}

	adminIDs, _ := cfg.AdminIDs()
	publishers := notify.Multi{notify.NewTelegramNotifier(b, pgStore, adminIDs, cfg.DefaultLanguage, logger)}
	if cfg.RabbitMQURL != "" {
		amqpPublisher, err := notify.NewAMQPPublisher(cfg.RabbitMQURL, cfg.RabbitMQExchange, logger)
		if err != nil {
			logger.Warn("event stream disabled", "error", err)
		} else {
			defer amqpPublisher.Close()
			publishers = append(publishers, amqpPublisher)
		}
	}

	engine := subscription.NewEngine(pgStore, subscription.Plan{
		TrafficLimitBytes: cfg.UserTrafficLimitBytes(),
		ResourceGroups:    cfg.SquadUUIDs(),
	}, subscription.TrialConfig{
		Enabled:           cfg.TrialEnabled,
		Days:              cfg.TrialDurationDays,
		TrafficLimitBytes: cfg.TrialTrafficLimitBytes(),
		TriggersReferral:  cfg.ReferralOnTrial,
	}, logger)
	referrals := promo.NewReferrals(engine, promo.ReferralConfig{
		InviterDays: cfg.ReferralInviterDays(),
		RefereeDays: cfg.ReferralRefereeDays(),
	}, logger)
	engine.SetReferrals(referrals)
	engine.SetPublisher(publishers)

	promos := promo.NewService(pgStore, engine, logger)
	paymentLedger := ledger.New(pgStore, engine, referrals, cfg.Prices(), cfg.DefaultLanguage, logger)

	synchronizer := panel.NewSynchronizer(pgStore, panel.NewClient(cfg.PanelAPIURL, cfg.PanelAPIKey, cfg.PanelTimeout()), logger)
	pushScheduler := scheduler.NewScheduler(pgStore, synchronizer, logger, scheduler.Config{
		Workers:     cfg.PanelWorkers,
		QueueSize:   cfg.PanelQueueSize,
		MaxAttempts: cfg.PanelPushMaxAttempts,
		BaseDelay:   cfg.PanelPushBaseDelay(),
	})
	engine.SetPushQueue(pushScheduler)
	pushScheduler.Start()
	defer pushScheduler.Stop()

	if n, err := paymentLedger.Recover(ctx); err != nil {
		logger.Error("startup credit recovery failed", "error", err)
	} else if n > 0 {
		logger.Info("recovered uncredited payments", "count", n)
	}

	thresholds, _ := cfg.NotifyThresholds()
	scanner := expiry.NewScanner(pgStore, publishers, expiry.Config{
		Thresholds:     thresholds,
		NotifyOnExpire: cfg.NotifyOnExpire,
		Lookback:       time.Duration(cfg.ExpiredLookbackDays) * 24 * time.Hour,
	}, logger)
	jobs := scheduler.NewJobs(scanner, synchronizer, paymentLedger, logger, scheduler.JobsConfig{
		ExpirySchedule:    cfg.ExpiryScanSchedule,
		ReconcileSchedule: cfg.ReconcileSchedule,
	})
	jobs.Start()
	defer func() { <-jobs.Stop().Done() }()

	registry := paymentRegistry(cfg)
	logger.Info("payment webhooks enabled", "providers", registry.Providers())

	server := &http.Server{
		Addr: ":" + cfg.ServerPort,
		Handler: api.NewRouter(api.NewHandler(api.Deps{
			Normalizer:    registry,
			Ledger:        paymentLedger,
			Cache:         deliveryCache,
			Panel:         synchronizer,
			Subscriptions: engine,
			Promos:        promos,
			Health:        pgStore,
			Logger:        logger,
		}), []byte(cfg.AdminJWTSecret)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	starsPrices := cfg.Prices()["XTR"]
	if !cfg.StarsEnabled {
		starsPrices = nil
	}
	checkouts := checkoutService(cfg, paymentLedger, logger)
	logger.Info("checkout providers enabled", "providers", checkouts.Providers())
	h := handlers.NewHandlers(pgStore, paymentLedger, engine, promos, starsPrices, checkouts, logger)
	middlewares := middleware.NewMiddlewares(pgStore, logger)
	handlerChain := middlewares.RegisterUserMiddleware(h.MainHandler)

	b.RegisterHandlerMatchFunc(func(update *models.Update) bool {
		return update.Message != nil
	}, handlerChain)
	b.RegisterHandlerMatchFunc(func(update *models.Update) bool {
		return update.PreCheckoutQuery != nil
	}, handlerChain)
	b.RegisterHandler(bot.HandlerTypeCallbackQueryData, handlers.BuyCallbackPrefix, bot.MatchTypePrefix, handlerChain)
	b.RegisterHandler(bot.HandlerTypeCallbackQueryData, handlers.PayCallbackPrefix, bot.MatchTypePrefix, handlerChain)

	logger.Info("bot started")
	b.Start(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	logger.Info("stopped")
}

func paymentRegistry(cfg *config.Config) *payments.Registry {
	var adapters []payments.Adapter
	if cfg.TributeEnabled {
		adapters = append(adapters, payments.NewTribute(cfg.TributeAPIKey))
	}
	if cfg.CryptoPayEnabled {
		adapters = append(adapters, payments.NewCryptoPay(cfg.CryptoPayToken))
	}
	if cfg.YooKassaEnabled {
		adapters = append(adapters, payments.NewYooKassa(cfg.YooKassaTrustForward))
	}
	return payments.NewRegistry(adapters...)
}

// checkoutService sells plans through the enabled external providers, priced in roubles so that
// the provider webhooks report the same currency the attempt was recorded in.
func checkoutService(cfg *config.Config, l *ledger.Ledger, logger *slog.Logger) *checkout.Service {
	var providers []checkout.Provider
	if cfg.CryptoPayEnabled {
		baseURL := checkout.CryptoPayMainnetURL
		if cfg.CryptoPayTestnet() {
			baseURL = checkout.CryptoPayTestnetURL
		}
		providers = append(providers, checkout.NewCryptoPay(baseURL, cfg.CryptoPayToken, cfg.CheckoutTimeout()))
	}
	if cfg.YooKassaEnabled {
		providers = append(providers, checkout.NewYooKassa(checkout.YooKassaConfig{
			ShopID:       cfg.YooKassaShopID,
			SecretKey:    cfg.YooKassaSecretKey,
			ReturnURL:    cfg.YooKassaReturnURL,
			ReceiptEmail: cfg.YooKassaReceiptEmail,
			Timeout:      cfg.CheckoutTimeout(),
		}))
	}
	return checkout.NewService(l, cfg.Prices()["RUB"], "RUB", logger, providers...)
}
