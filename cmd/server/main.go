package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailcore/internal/cache"
	"github.com/brandon/mailcore/internal/config"
	"github.com/brandon/mailcore/internal/credential"
	"github.com/brandon/mailcore/internal/email"
	"github.com/brandon/mailcore/internal/identity"
	"github.com/brandon/mailcore/internal/mcp"
	"github.com/brandon/mailcore/internal/pool"
	"github.com/brandon/mailcore/internal/query"
	mailsync "github.com/brandon/mailcore/internal/sync"
)

var (
	version         = "dev"
	showVersion     = flag.Bool("version", false, "Show version information")
	storeCredential = flag.String("store-credential", "", "Read a secret from stdin and save it in the keyring under this key (e.g. acct_1/imap), then exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailcore version %s\n", version)
		os.Exit(0)
	}

	// Set up logging. Stdout carries the MCP protocol.
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)

	if *storeCredential != "" {
		if err := saveCredential(*storeCredential); err != nil {
			logger.WithError(err).Fatal("Failed to store credential")
		}
		logger.WithField("key", *storeCredential).Info("Credential stored")
		return
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	// Set log level
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.WithField("accounts", len(cfg.Accounts)).Info("Starting mailcore")

	// Initialize cache
	mailCache, err := cache.NewCache(cfg.CachePath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize cache")
	}
	defer mailCache.Close()
	store := cache.NewStore(mailCache, logger)

	resolver, err := identity.NewResolver(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Invalid account configuration")
	}

	// Connection pool
	sessions := pool.New(pool.OptionsFromConfig(cfg.Pool), email.NewIMAPDialer(cfg.Pool.CommandTimeout, logger), resolver, logger)
	sessions.Start()
	defer sessions.Close()

	// Sync engine, health monitor and scheduler
	monitor := mailsync.NewMonitor(mailsync.DefaultMonitorOptions(cfg.Sync.StaleAfter), logger)
	monitor.Register(mailsync.LogSink{Logger: logger})
	engine := mailsync.NewEngine(sessions, store, resolver, monitor, cfg.Sync, logger)
	scheduler := mailsync.NewScheduler(engine, store, cfg, resolver.Keys(), logger)

	service := query.New(query.Deps{
		Config:    cfg,
		Accounts:  resolver,
		Sessions:  sessions,
		Store:     store,
		Engine:    engine,
		Scheduler: scheduler,
		Monitor:   monitor,
		Sender:    email.NewSMTPSender(logger),
		Logger:    logger,
	})

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := service.Init(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to initialize accounts in cache")
	}

	scheduler.Start(ctx)
	defer scheduler.Stop()
	defer service.Wait()

	if cfg.MetricsAddr != "" {
		metricsServer := serveMetrics(cfg.MetricsAddr, logger)
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	server := mcp.NewServer(service, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Run server in a goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Run(ctx)
	}()

	// Wait for shutdown signal, end of input or error
	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig).Info("Received shutdown signal")
	case err := <-errChan:
		if err != nil {
			logger.WithError(err).Error("Server error")
		}
	}
	cancel()

	logger.WithField("pool", sessions.Stats().String()).Info("Shutting down mailcore")
}

func serveMetrics(addr string, logger *logrus.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.WithField("addr", addr).Info("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics server failed")
		}
	}()
	return srv
}

func saveCredential(key string) error {
	reader := bufio.NewReader(os.Stdin)
	secret, err := reader.ReadString('\n')
	if err != nil && secret == "" {
		return fmt.Errorf("failed to read secret: %w", err)
	}
	secret = strings.TrimRight(secret, "\r\n")
	if secret == "" {
		return fmt.Errorf("empty secret")
	}
	return credential.Store(key, secret)
}
