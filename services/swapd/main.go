package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"ledgerswap/observability/logging"
	telemetry "ledgerswap/observability/otel"
	"ledgerswap/services/swapd/accounts"
	"ledgerswap/services/swapd/adapters"
	"ledgerswap/services/swapd/config"
	"ledgerswap/services/swapd/ledger"
	"ledgerswap/services/swapd/oracle"
	"ledgerswap/services/swapd/orchestrator"
	"ledgerswap/services/swapd/rates"
	"ledgerswap/services/swapd/recon"
	"ledgerswap/services/swapd/registry"
	"ledgerswap/services/swapd/secrets"
	"ledgerswap/services/swapd/server"
	"ledgerswap/services/swapd/settlement"
	"ledgerswap/services/swapd/signer"
	"ledgerswap/services/swapd/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/swapd/config.yaml", "path to swapd configuration file (.yaml or .toml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("swapd: load config: %v", err)
	}

	logOpts := []logging.Option{logging.WithLevel(cfg.Logging.Level)}
	if cfg.Logging.File != "" {
		logOpts = append(logOpts, logging.WithFile(logging.FileConfig{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		}))
	}
	logger := logging.Setup("swapd", cfg.Environment, logOpts...)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	secretManager, err := secrets.NewManager(secrets.Config{
		Backend:   secrets.Backend(cfg.Secrets.Backend),
		BasePath:  cfg.Secrets.BasePath,
		EnvPrefix: cfg.Secrets.EnvPrefix,
	})
	if err != nil {
		log.Fatalf("swapd: secrets: %v", err)
	}

	client, err := buildLedger(cfg.Ledger)
	if err != nil {
		log.Fatalf("swapd: ledger: %v", err)
	}

	sign, err := buildSigner(rootCtx, cfg.Signer, secretManager)
	if err != nil {
		log.Fatalf("swapd: signer: %v", err)
	}
	journal, err := signer.OpenLevelJournal(cfg.Signer.Journal)
	if err != nil {
		log.Fatalf("swapd: open signer journal: %v", err)
	}
	defer journal.Close()
	seq, err := signer.NewSequencer(sign, client, journal)
	if err != nil {
		log.Fatalf("swapd: sequencer: %v", err)
	}
	seq = seq.WithLogger(logger)
	logger.Info("service authority loaded", "authority", seq.Address().String(), "mode", cfg.Signer.Mode)

	shutdownTelemetry, err := telemetry.Init(rootCtx, telemetryConfig(cfg, seq.Address().String()))
	if err != nil {
		log.Fatalf("swapd: init telemetry: %v", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	submitter, err := settlement.New(client, seq,
		settlement.WithConfig(settlement.Config{
			MaxAttempts:    cfg.Settlement.MaxAttempts,
			InitialBackoff: cfg.Settlement.InitialBackoff.Duration,
			MaxBackoff:     cfg.Settlement.MaxBackoff.Duration,
			PollInterval:   cfg.Settlement.PollInterval.Duration,
			ConfirmTimeout: cfg.Settlement.ConfirmTimeout.Duration,
		}),
		settlement.WithLogger(logger))
	if err != nil {
		log.Fatalf("swapd: submitter: %v", err)
	}

	dsn := cfg.Storage.DSN
	if dsn == "" {
		dsn, err = storage.FileDSN(cfg.Storage.Path)
		if err != nil {
			log.Fatalf("swapd: resolve storage DSN: %v", err)
		}
	}
	store, err := storage.Open(dsn)
	if err != nil {
		log.Fatalf("swapd: open storage: %v", err)
	}
	defer store.Close()
	storeRetry := storage.RetryPolicy{
		Attempts:        cfg.Storage.Retry.Attempts,
		InitialInterval: cfg.Storage.Retry.InitialInterval.Duration,
		MaxInterval:     cfg.Storage.Retry.MaxInterval.Duration,
	}

	assets, err := registry.New(store, submitter, registry.Config{
		DefaultDecimals: cfg.Registry.DefaultDecimals,
		ClaimTTL:        cfg.Registry.ClaimTTL.Duration,
		IssueTimeout:    cfg.Registry.IssueTimeout.Duration,
		StoreRetry:      storeRetry,
	}, registry.WithLogger(logger))
	if err != nil {
		log.Fatalf("swapd: registry: %v", err)
	}
	native, err := assets.EnsureNative(rootCtx, cfg.Native.Name, cfg.Native.Decimals)
	if err != nil {
		log.Fatalf("swapd: register native asset %s: %v", cfg.Native.Name, err)
	}
	logger.Info("native asset ready", "asset", native.Name, "address", native.LedgerAddress)

	provisioner, err := accounts.New(client, submitter, store,
		accounts.WithRetryPolicy(storeRetry),
		accounts.WithLogger(logger))
	if err != nil {
		log.Fatalf("swapd: account provisioner: %v", err)
	}

	var feed rates.Feed
	var mgr *oracle.Manager
	if len(cfg.Sources) > 0 {
		mgr, err = buildOracle(rootCtx, cfg, store, secretManager, logger)
		if err != nil {
			log.Fatalf("swapd: oracle manager: %v", err)
		}
		feed = mgr
	}

	orch, err := orchestrator.New(orchestrator.Config{
		NativeAsset:   cfg.Native.Name,
		InitialSupply: cfg.InitialSupply(),
		StoreRetry:    storeRetry,
		ResumeLease:   cfg.Settlement.ResumeLease.Duration,
	}, rates.NewResolver(feed), assets, provisioner, submitter, store, orchestrator.WithLogger(logger))
	if err != nil {
		log.Fatalf("swapd: orchestrator: %v", err)
	}

	requesters, admin, err := buildAuth(rootCtx, cfg.Server.Auth, secretManager)
	if err != nil {
		log.Fatalf("swapd: auth: %v", err)
	}
	tlsConfig, err := buildTLS(cfg.Server.TLS)
	if err != nil {
		log.Fatalf("swapd: tls: %v", err)
	}

	srv, err := server.New(server.Config{
		ListenAddress:  cfg.Server.Listen,
		RequestTimeout: cfg.Server.RequestTimeout.Duration,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		RateLimit: server.RateLimit{
			RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
			Burst:             cfg.Server.RateLimit.Burst,
		},
		TLS: server.TLSConfig{
			Disabled: cfg.Server.TLS.Disabled,
			CertFile: cfg.Server.TLS.CertFile,
			KeyFile:  cfg.Server.TLS.KeyFile,
			Config:   tlsConfig,
		},
	}, server.Deps{
		Swaps:       orch,
		Idempotency: store,
		Health:      store,
		Requesters:  requesters,
		Admin:       admin,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("swapd: server: %v", err)
	}

	if mgr != nil {
		go func() {
			if err := mgr.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("oracle manager exited", "error", err)
				stop()
			}
		}()
	}

	if !cfg.Recon.Disabled {
		reconciler, err := recon.NewReconciler(recon.Config{
			Store:     store,
			Swaps:     orch,
			OutputDir: cfg.Recon.OutputDir,
			MinAge:    cfg.Recon.MinAge.Duration,
			BatchSize: cfg.Recon.BatchSize,
			DryRun:    cfg.Recon.DryRun,
			Logger:    logger,
		})
		if err != nil {
			log.Fatalf("swapd: reconciler: %v", err)
		}
		go recon.NewScheduler(recon.SchedulerConfig{
			Reconciler: reconciler,
			Interval:   cfg.Recon.Interval.Duration,
			Logger:     logger,
		}).Start(rootCtx)
	}

	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("http server error", "error", err)
		os.Exit(1)
	}
}

func telemetryConfig(cfg config.Config, authority string) telemetry.Config {
	return telemetry.FromEnv(telemetry.Config{
		ServiceName:    "swapd",
		Environment:    cfg.Environment,
		Authority:      authority,
		NativeAsset:    cfg.Native.Name,
		Ledger:         ledgerHost(cfg.Ledger.URL),
		Endpoint:       strings.TrimSpace(cfg.Telemetry.Endpoint),
		Insecure:       cfg.Telemetry.Insecure,
		Headers:        telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:        cfg.Telemetry.Metrics,
		Traces:         cfg.Telemetry.Traces,
		SampleRatio:    cfg.Telemetry.SampleRatio,
		MetricInterval: cfg.Telemetry.MetricInterval.Duration,
	})
}

// ledgerHost drops credentials and paths from the ledger URL.
func ledgerHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func buildLedger(cfg config.LedgerConfig) (ledger.Client, error) {
	if strings.HasPrefix(cfg.URL, "memory://") {
		return ledger.NewMemory(), nil
	}
	return ledger.NewRPCClient(ledger.RPCConfig{URL: cfg.URL, Timeout: cfg.Timeout.Duration})
}

// buildSigner resolves the service authority. Local keys come from the secret
// store and are never read from the config file.
func buildSigner(ctx context.Context, cfg config.SignerConfig, src signer.SecretSource) (signer.Signer, error) {
	switch cfg.Mode {
	case "hsm":
		return signer.NewHSMSigner(ctx, signer.HSMConfig{
			BaseURL:    cfg.HSM.BaseURL,
			KeyLabel:   cfg.HSM.KeyLabel,
			CACertPath: cfg.HSM.CACert,
			ClientCert: cfg.HSM.ClientCert,
			ClientKey:  cfg.HSM.ClientKey,
			Timeout:    cfg.HSM.Timeout.Duration,
			Address:    cfg.HSM.Address,
		})
	default:
		return signer.LoadLocal(ctx, src, signer.KeyRef{
			Secret:     cfg.KeySecret,
			Keystore:   cfg.Keystore,
			Passphrase: cfg.Passphrase,
		})
	}
}

func buildOracle(ctx context.Context, cfg config.Config, store *storage.Storage, src *secrets.Manager, logger *slog.Logger) (*oracle.Manager, error) {
	builder := adapters.NewRegistry()
	sources := make([]oracle.Source, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		apiKey, err := src.Optional(ctx, s.APIKey)
		if err != nil {
			return nil, err
		}
		built, err := builder.Build(s.Name, s.Type, s.Endpoint, apiKey, s.Assets)
		if err != nil {
			return nil, err
		}
		sources = append(sources, built)
	}
	pairs := make([]oracle.Pair, 0, len(cfg.Pairs))
	for _, pair := range cfg.Pairs {
		pairs = append(pairs, oracle.Pair{Base: pair.Base, Quote: pair.Quote})
	}
	return oracle.New(store, sources, pairs, cfg.Oracle.Interval.Duration, cfg.Oracle.MaxAge.Duration, cfg.Oracle.MinFeeds, oracle.WithLogger(logger))
}

func buildAuth(ctx context.Context, cfg config.AuthConfig, src *secrets.Manager) (*server.RequesterAuth, *server.AdminAuth, error) {
	var (
		requesters *server.RequesterAuth
		admin      *server.AdminAuth
	)
	jwtSecret, err := src.Optional(ctx, cfg.JWTSecret)
	if err != nil {
		return nil, nil, err
	}
	if jwtSecret != "" {
		requesters, err = server.NewRequesterAuth(server.RequesterAuthConfig{
			HMACSecret: jwtSecret,
			Issuer:     cfg.Issuer,
			Audience:   cfg.Audience,
			ClockSkew:  cfg.ClockSkew.Duration,
		})
		if err != nil {
			return nil, nil, err
		}
	}
	adminToken, err := src.Optional(ctx, cfg.AdminSecret)
	if err != nil {
		return nil, nil, err
	}
	if adminToken != "" || cfg.AdminAllowMTLS {
		admin, err = server.NewAdminAuth(server.AdminAuthConfig{BearerToken: adminToken, AllowMTLS: cfg.AdminAllowMTLS})
		if err != nil {
			return nil, nil, err
		}
	}
	return requesters, admin, nil
}

func buildTLS(cfg config.TLSConfig) (*tls.Config, error) {
	if cfg.Disabled {
		return nil, nil
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	caPath := strings.TrimSpace(cfg.ClientCA)
	if caPath == "" {
		return tlsConfig, nil
	}
	caData, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caData) {
		return nil, errors.New("parse client CA " + caPath)
	}
	tlsConfig.ClientCAs = pool
	// client certificates are optional on the shared listener
	tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	return tlsConfig, nil
}
