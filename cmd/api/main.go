package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/rewardops/internal/api"
	"github.com/punchamoorthee/rewardops/internal/config"
	"github.com/punchamoorthee/rewardops/internal/logging"
	"github.com/punchamoorthee/rewardops/internal/rules"
	"github.com/punchamoorthee/rewardops/internal/service"
	"github.com/punchamoorthee/rewardops/internal/settlement"
	"github.com/punchamoorthee/rewardops/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger := logging.Setup("rewardops", cfg.Env)

	ledger, err := store.NewLedgerStore(context.Background(), cfg.DBSource)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer ledger.Close()

	table, err := loadRules(cfg)
	if err != nil {
		log.Fatalf("Unable to load reward rules: %v", err)
	}

	// The wallet is constructed once and reused for the process lifetime;
	// it serializes nonce allocation internally.
	wallet, err := settlement.NewEVMWallet(cfg.RPCURL, cfg.WalletPrivateKey, cfg.TokenAddress, cfg.ChainID)
	if err != nil {
		log.Fatalf("Unable to initialize settlement wallet: %v", err)
	}
	logger.Info("settlement wallet ready",
		"from", logging.MaskAddress(wallet.From()),
		"chain_id", cfg.ChainID,
		"confirmations", cfg.Confirmations)

	rewardSvc := service.NewRewardService(ledger, wallet, table, logger, service.Options{
		Confirmations: cfg.Confirmations,
		SettleTimeout: cfg.SettleTimeout,
		MaxRetries:    cfg.MaxSettleRetries,
		RetryBackoff:  cfg.RetryBackoff,
	})
	handler := api.NewHandler(rewardSvc)

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reconciler := service.NewReconciler(ledger, wallet, logger, cfg.ReconcileInterval, cfg.Confirmations)
	go reconciler.Run(stopCtx)

	// Router
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", handler.HealthCheckHandler).Methods("GET")
	r.HandleFunc("/api/reward-user", handler.RewardUserHandler).Methods("POST")
	r.HandleFunc("/api/reward-attempts", handler.GetAttemptHandler).Methods("GET")

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * cfg.SettleTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Port)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			log.Fatal(err)
		}
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}
}

func loadRules(cfg *config.Config) (*rules.Table, error) {
	if cfg.RulesPath != "" {
		return rules.LoadTable(cfg.RulesPath, cfg.TokenDecimals)
	}
	return rules.NewTable(cfg.TokenDecimals)
}
