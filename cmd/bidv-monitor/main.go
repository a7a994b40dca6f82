package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"

	"github.com/tooroo-1911/bidv-transaction-monitor/internal/api"
	"github.com/tooroo-1911/bidv-transaction-monitor/internal/auth"
	"github.com/tooroo-1911/bidv-transaction-monitor/internal/bidv"
	"github.com/tooroo-1911/bidv-transaction-monitor/internal/crypto"
	"github.com/tooroo-1911/bidv-transaction-monitor/internal/jobs"
	"github.com/tooroo-1911/bidv-transaction-monitor/internal/monitor"
	"github.com/tooroo-1911/bidv-transaction-monitor/internal/notify"
	"github.com/tooroo-1911/bidv-transaction-monitor/internal/rate"
	internalsecrets "github.com/tooroo-1911/bidv-transaction-monitor/internal/secrets"
	"github.com/tooroo-1911/bidv-transaction-monitor/internal/store"
	"github.com/tooroo-1911/bidv-transaction-monitor/internal/transport"
	"github.com/tooroo-1911/bidv-transaction-monitor/pkg/config"
	"github.com/tooroo-1911/bidv-transaction-monitor/pkg/logger"
	"github.com/tooroo-1911/bidv-transaction-monitor/pkg/secrets"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Load configuration ---
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.ServiceName, cfg.Env, cfg.LogLevel, cfg.LogFile)
	logg := logger.S()
	logg.Info("starting [bidv-monitor]...")

	// --- Secrets provider ---
	var provider secrets.Provider
	if cfg.SecretsPrefix != "" {
		awsProvider, err := secrets.NewAWSProvider(cfg.AWSRegion)
		if err != nil {
			logg.Fatalw("failed to create AWS Secrets Manager provider", "error", err)
		}
		provider = awsProvider
	} else {
		logg.Warn("SECRETS_PREFIX not set; resolving secrets from environment")
		provider = secrets.EnvProvider{}
	}

	secretCache := secrets.NewCache[map[string]string](cfg.CacheTTL)
	stopCleaner := make(chan struct{})
	go secretCache.StartCleaner(cfg.CleanupFreq, stopCleaner)

	resolver := internalsecrets.NewResolver(logger.L(), cfg.SecretsPrefix, provider, secretCache)

	if cfg.ClientSecret == "" {
		creds, err := resolver.BIDVCredentials(ctx)
		if err != nil {
			logg.Warnw("bank credentials secret unavailable", "error", err)
		} else {
			cfg.ClientSecret = creds.ClientSecret
		}
	}

	// --- Key material ---
	keys, err := crypto.LoadKeyStore(crypto.KeyPaths{
		PrivateKeyPath:   cfg.PrivateKeyPath,
		ClientCertPath:   cfg.ClientCertPath,
		SymmetricKeyPath: cfg.SymmetricKeyPath,
		PartnerKeyPath:   cfg.PartnerKeyPath,
	})
	if err != nil {
		logg.Fatalw("failed to load key material", "error", err)
	}

	envelope, err := crypto.NewEnvelope(keys, cfg.JWSAlg, cfg.JWEAlg, cfg.JWEEnc)
	if err != nil {
		logg.Fatalw("failed to configure crypto envelope", "error", err)
	}

	// --- Mutual-TLS transport ---
	httpClient := transport.NewClient(logger.L(), keys, transport.Options{
		Timeout:   cfg.RequestTimeout,
		RetryMax:  cfg.MaxRetries,
		Backoff:   cfg.RetryBackoff,
		TLSVerify: cfg.TLSVerify,
		Limiter:   rate.New(cfg.GatewayRPS, cfg.GatewayBurst),
	})

	// --- Token manager ---
	tokenMgr := auth.NewManager(logger.L(), cfg, keys, httpClient)

	// --- Store (Redis + SQLite hybrid) ---
	st, err := store.NewHybrid(cfg.RedisAddr, cfg.RedisDB, cfg.RedisPass, cfg.DBPath, cfg.RetentionWindow, logger.L())
	if err != nil {
		logg.Fatalw("failed to init store", "error", err)
	}

	// --- BIDV API client ---
	bankClient := bidv.NewClient(logger.L(), cfg, keys, envelope, tokenMgr, httpClient)

	// --- Notifiers ---
	var notifiers notify.Multi
	var nc *nats.Conn
	var natsNotifier *notify.NATSNotifier
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL)
		if err != nil {
			logg.Fatalw("failed to connect to NATS", "error", err)
		}
		natsNotifier, err = notify.NewNATS(logger.L(), nc, cfg.NotifySubject, cfg.ServiceName)
		if err != nil {
			logg.Fatalw("failed to init NATS notifier", "error", err)
		}
		notifiers = append(notifiers, natsNotifier)
	}
	if cfg.ZaloEnabled {
		zalo, err := resolver.ZaloChannel(ctx)
		if err != nil {
			logg.Warnw("zalo enabled but OA secret unavailable; channel disabled", "error", err)
		} else {
			notifiers = append(notifiers, notify.NewZalo(
				logger.L(), cfg.ZaloAPIURL, zalo.AccessToken, zalo.UserID, cfg.RequestTimeout))
		}
	}

	// --- Polling engine ---
	poller := monitor.NewPoller(logger.L(), cfg, bankClient, tokenMgr, st, notifiers)
	go poller.Run(ctx)

	// --- Balance snapshot job ---
	var balanceJob *jobs.BalanceRefresher
	if cfg.BalanceInterval > 0 {
		balanceJob = jobs.NewBalanceRefresher(logger.L(), bankClient, cfg.BalanceInterval)
		go balanceJob.Start(ctx)
	}

	// --- Fiber HTTP Server ---
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	})

	handler := api.NewMonitorHandler(logger.L(), st, tokenMgr, bankClient, poller)
	api.RegisterRoutes(app, nc, st, handler)

	go func() {
		logg.Infof("HTTP API listening on :%d", cfg.Port)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logg.Fatalw("fiber.listen_failed", "error", err)
		}
	}()

	logg.Infow("[bidv-monitor] running",
		"env", cfg.Env,
		"account", cfg.AccountNumber,
		"poll_interval", cfg.PollInterval,
		"grant_type", cfg.GrantType,
		"jwe", cfg.UseJWE)

	<-ctx.Done()
	logg.Info("shutting down [bidv-monitor]...")

	close(stopCleaner)
	poller.Stop()
	if balanceJob != nil {
		balanceJob.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logg.Warnw("fiber.shutdown_failed", "error", err)
	}
	if natsNotifier != nil {
		natsNotifier.Close()
	}
	if err := st.Close(); err != nil {
		logg.Warnw("store.close_failed", "error", err)
	}
	logger.Sync()
}
