// Command server runs the settlement API.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/stripe/stripe-go/v81"

	"github.com/tradegate/settlement/internal/chain"
	"github.com/tradegate/settlement/internal/config"
	"github.com/tradegate/settlement/internal/delivery"
	"github.com/tradegate/settlement/internal/dispute"
	"github.com/tradegate/settlement/internal/logging"
	"github.com/tradegate/settlement/internal/metrics"
	"github.com/tradegate/settlement/internal/notify"
	"github.com/tradegate/settlement/internal/payment"
	"github.com/tradegate/settlement/internal/realtime"
	"github.com/tradegate/settlement/internal/reconcile"
	"github.com/tradegate/settlement/internal/server"
	"github.com/tradegate/settlement/internal/settlement"
	"github.com/tradegate/settlement/internal/traces"
	"github.com/tradegate/settlement/internal/transaction"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	format := "text"
	if cfg.IsProduction() {
		format = "json"
	}
	logger := logging.New(cfg.LogLevel, format)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTraces, err := traces.Setup(ctx, "settlement", cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("trace setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		_ = shutdownTraces(flushCtx)
	}()

	stripe.Key = cfg.StripeSecretKey

	// Stores: Postgres when configured, in-memory otherwise.
	var (
		db           *sql.DB
		txnStore     transaction.Store
		disputeStore dispute.Store
		walletStore  settlement.WalletDirectory
	)
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Error("database open failed", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			logger.Error("database unreachable", "error", err)
			os.Exit(1)
		}
		txnStore = transaction.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		walletStore = settlement.NewPostgresWalletDirectory(db)
		logger.Info("using postgres storage")
	} else {
		txnStore = transaction.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		walletStore = settlement.NewMemoryWalletDirectory()
		logger.Warn("DATABASE_URL not set; using in-memory storage")
	}

	// Chain client and contract gateway.
	network, err := cfg.ChainNetwork()
	if err != nil {
		logger.Error("network configuration error", "error", err)
		os.Exit(1)
	}
	chainClient, err := chain.NewClient(network)
	if err != nil {
		logger.Error("chain client setup failed", "error", err)
		os.Exit(1)
	}
	defer chainClient.Close()

	var signer *chain.Signer
	if cfg.SignerKey != "" {
		signer, err = chain.NewSigner(cfg.SignerKey)
		if err != nil {
			logger.Error("signer setup failed", "error", err)
			os.Exit(1)
		}
		logger.Info("operational signer loaded", "address", signer.Address.Hex())
	}
	gateway, err := chain.NewEscrowGateway(chainClient, signer, chain.GatewayConfig{
		ContractAddress: cfg.EscrowContract,
		TokenDecimals:   cfg.TokenDecimals,
	})
	if err != nil {
		logger.Error("gateway setup failed", "error", err)
		os.Exit(1)
	}
	if !gateway.Configured() {
		logger.Warn("escrow gateway unconfigured; settlement operations disabled",
			"network", network.Name)
	}

	// Realtime fan-out and webhook delivery.
	hub := realtime.NewHub()
	go hub.Run(ctx)
	dispatcher := notify.NewDispatcher(cfg.WebhookSecret, cfg.WebhookEndpoints)
	defer dispatcher.Close()

	ledger := transaction.NewLedger(txnStore, transaction.WithObserver(
		func(ctx context.Context, t *transaction.Transaction) {
			metrics.TransitionsTotal.WithLabelValues(string(t.Status)).Inc()
			dispatcher.Emit(ctx, "transaction."+string(t.Status), t)
			hub.Broadcast(ctx, "transaction.updated", t)
		}))

	coordinator := settlement.NewCoordinator(ledger, gateway, walletStore)
	resolver := dispute.NewResolver(disputeStore, ledger, coordinator)
	coordinator.SetDisputeChecker(resolver)
	deliveries := delivery.NewHandler(ledger, coordinator)
	payments := payment.NewService(ledger, coordinator, cfg.StripeWebhookSecret)

	reconciler := reconcile.New(ledger, gateway, cfg.ReconcileInterval)
	reconciler.Start(ctx)
	defer reconciler.Stop()

	srv := server.New(*cfg, logger, server.Services{
		Ledger:      ledger,
		Coordinator: coordinator,
		Disputes:    resolver,
		Delivery:    deliveries,
		Payments:    payments,
		Gateway:     gateway,
		Chain:       chainClient,
		Wallets:     walletStore,
		Hub:         hub,
		DB:          db,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
