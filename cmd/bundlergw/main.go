// Command bundlergw runs the paid write-path bundler gateway: the HTTP
// admission surface, the durable job queue with its bundling pipeline, and
// the retention janitor, all in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bundlergw/config"
	"bundlergw/dataitem"
	"bundlergw/gateway"
	"bundlergw/ledger"
	"bundlergw/multipart"
	"bundlergw/objectstore"
	"bundlergw/observability/logging"
	"bundlergw/pipeline"
	"bundlergw/pricing"
	"bundlergw/queue"
	"bundlergw/storage"
	"bundlergw/x402"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bundlergw: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.toml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.Setup("bundlergw", cfg.Server.Environment, os.Getenv("BUNDLERGW_LOG_LEVEL"))

	store, err := storage.Open(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()
	if err := store.AutoMigrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	led := ledger.New(store.DB())
	if err := led.AutoMigrate(); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}

	local, err := objectstore.NewFS(cfg.ObjectStore.LocalRoot)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}
	remote := objectstore.Store(local)
	if cfg.ObjectStore.RemoteRoot != "" {
		remoteFS, err := objectstore.NewFS(cfg.ObjectStore.RemoteRoot)
		if err != nil {
			return fmt.Errorf("open remote object store: %w", err)
		}
		remote = remoteFS
	}

	keyHex, err := cfg.WalletKey()
	if err != nil {
		return err
	}
	wallet, err := dataitem.LoadWallet(keyHex)
	if err != nil {
		return fmt.Errorf("load wallet: %w", err)
	}
	log.Info("wallet loaded", "address", wallet.Address().Hex())

	var rateSource pricing.RateSource
	if cfg.Pricing.RateEndpoint != "" {
		rateSource = pricing.NewHTTPRateSource(cfg.Pricing.RateEndpoint, cfg.Pricing.RateTokenID)
	} else {
		rate, ok := new(big.Rat).SetString(cfg.Pricing.FixedRateUSD)
		if !ok {
			return fmt.Errorf("pricing: bad fixed_rate_usd %q", cfg.Pricing.FixedRateUSD)
		}
		rateSource = pricing.FixedRateSource{Rate: rate}
	}
	oracle := pricing.NewOracle(pricing.Config{
		FeePercent:         cfg.Pricing.FeePercent,
		BufferPercent:      cfg.Pricing.BufferPercent,
		MinimumPaymentUSDC: cfg.Pricing.MinimumPaymentUSDC,
		DepositUSDC:        cfg.Pricing.DepositUSDC,
		WinstonPerGiB:      cfg.Pricing.WinstonPerGiB,
	}, rateSource)

	var pool *x402.FacilitatorPool
	if len(cfg.Payment.Facilitators) > 0 {
		configs := make([]x402.FacilitatorConfig, 0, len(cfg.Payment.Facilitators))
		for _, f := range cfg.Payment.Facilitators {
			configs = append(configs, x402.FacilitatorConfig{
				BaseURL:      f.URL,
				Dialect:      x402.Dialect(f.Dialect),
				APIKeySecret: f.APIKey,
			})
		}
		pool = x402.NewFacilitatorPool(configs)
	} else {
		log.Warn("no payment facilitators configured; " +
			"payments settle by local authorization only and record no on-chain transaction hash")
	}
	verifierOpts := []x402.VerifierOption{}
	if pool != nil {
		verifierOpts = append(verifierOpts, x402.WithFacilitators(pool))
	}
	verifier := x402.NewVerifier(verifierOpts...)

	jobs, err := queue.Open(cfg.Queue.Path, queue.WithLogger(log))
	if err != nil {
		return fmt.Errorf("open job queue: %w", err)
	}

	chain := pipeline.NewHTTPChainClient(cfg.Chain.GatewayURL)

	coordinator := multipart.New(multipart.Config{
		TTLHours:               cfg.Multipart.TTLHours,
		MaxPerAddress:          cfg.Multipart.MaxPerAddress,
		FraudTolerancePercent:  int64(cfg.Multipart.FraudTolerancePercent),
		RefundThresholdPercent: int64(cfg.Multipart.RefundThresholdPct),
	}, store.DB(), led, oracle, local, jobs, multipart.WithLogger(log))

	pipeOpts := []pipeline.Option{
		pipeline.WithLogger(log),
		pipeline.WithUploadFinalizer(coordinator),
	}
	if len(cfg.Pipeline.OpticalEndpoints) > 0 {
		pipeOpts = append(pipeOpts, pipeline.WithOpticalPoster(
			pipeline.NewOpticalPoster(cfg.Pipeline.OpticalEndpoints, local)))
	}
	pipe := pipeline.New(pipeline.Config{
		PlanMaxItems:     cfg.Pipeline.PlanMaxItems,
		PlanMaxBytes:     cfg.Pipeline.PlanMaxBytes,
		MinConfirmations: cfg.Pipeline.MinConfirmations,
		MaxRepacks:       cfg.Pipeline.MaxRepacks,
	}, store, local, chain, jobs, pipeOpts...)
	if err := pipe.Register(jobs); err != nil {
		return fmt.Errorf("register pipeline: %w", err)
	}

	janitor := pipeline.NewJanitor(pipeline.JanitorConfig{
		LocalRetentionDays:  cfg.Janitor.LocalRetentionDays,
		RemoteRetentionDays: cfg.Janitor.RemoteRetentionDays,
	}, store, local, remote, pipeline.WithJanitorLogger(log), pipeline.WithJanitorQueue(jobs))
	if err := jobs.Register(queue.CleanupFS, janitor.Handler, queue.WorkerOptions{Concurrency: 1}); err != nil {
		return fmt.Errorf("register janitor: %w", err)
	}
	if err := jobs.RegisterRepeatable(queue.CleanupFS, cfg.Janitor.CronSchedule, nil); err != nil {
		return fmt.Errorf("schedule janitor: %w", err)
	}

	networks := make(map[string]gateway.NetworkConfig, len(cfg.Networks))
	for name, net := range cfg.Networks {
		networks[name] = gateway.NetworkConfig{
			ChainID:      net.ChainID,
			PayTo:        net.PayTo,
			Asset:        net.Asset,
			AssetName:    net.AssetName,
			AssetVersion: net.AssetVersion,
		}
	}
	srv := gateway.New(gateway.Config{
		Store:                     store,
		Objects:                   local,
		Ledger:                    led,
		Oracle:                    oracle,
		Verifier:                  verifier,
		Facilitators:              pool,
		Wallet:                    wallet,
		Uploads:                   coordinator,
		Chain:                     chain,
		Jobs:                      jobs,
		Logger:                    log,
		Networks:                  networks,
		DefaultNetwork:            cfg.Payment.DefaultNetwork,
		FreeUploadLimitBytes:      cfg.Server.FreeUploadLimitBytes,
		Whitelist:                 cfg.Server.Whitelist,
		AllowListedSignatureTypes: cfg.Server.AllowListedSignatureTypes,
		RawUploadsEnabled:         cfg.Server.RawUploadsEnabled,
		DeadlineHeightDelta:       cfg.Chain.DeadlineHeightDelta,
		DataCaches:                cfg.Server.DataCaches,
		FastFinalityIndexes:       cfg.Server.FastFinalityIndexes,
		PaymentTimeoutSeconds:     cfg.Payment.PaymentTimeoutSeconds,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	jobs.Start(ctx)

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddress,
		Handler:           srv.Handler(),
		IdleTimeout:       time.Duration(cfg.Server.KeepAliveSeconds) * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.Server.HeaderTimeoutSeconds) * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Server.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	// Stop accepting uploads first, then drain the queue workers, then
	// release the stores.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "err", err)
	}
	if err := jobs.Shutdown(shutdownCtx); err != nil {
		log.Error("queue shutdown", "err", err)
	}
	return nil
}
