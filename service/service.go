package service

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"badged/config"
	"badged/ledger"
	"badged/observability"
	"badged/observability/logging"
	telemetry "badged/observability/otel"
	"badged/reconcile"
	"badged/relay"
	"badged/server"
	"badged/storage"
)

// Main runs the badge claim coordinator using the provided command line flags.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to badged config")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("BADGED_ENV"))
	log := logging.Setup("badged", env)
	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "badged",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	policy, err := reconcile.ParsePolicy(cfg.Reconcile.UnavailablePolicy)
	if err != nil {
		return fmt.Errorf("reconcile policy: %w", err)
	}

	backend, err := ledger.Dial(cfg.Ledger.RPCEndpoint)
	if err != nil {
		return fmt.Errorf("dial ledger: %w", err)
	}
	defer backend.Close()

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open claim store: %w", err)
	}
	defer func() { _ = store.Close() }()

	submitter := relay.New(cfg.Relay.Endpoint, cfg.Relay.AuthToken, 30*time.Second)

	client, err := ledger.NewClient(ledger.Config{
		ContractAddress:     cfg.Ledger.Contract,
		RPCEndpoint:         cfg.Ledger.RPCEndpoint,
		SignerCredentialRef: cfg.Relay.SignerCredentialRef,
		ReadTimeout:         cfg.Ledger.ReadTimeout.Duration,
		ReadsPerSecond:      cfg.Ledger.ReadsPerSecond,
		ReadBurst:           cfg.Ledger.ReadBurst,
	}, backend, submitter)
	if err != nil {
		return fmt.Errorf("build ledger client: %w", err)
	}

	coordinator, err := ledger.NewMintCoordinator(client, cfg.Reconcile.ConfirmWindow.Duration, cfg.Reconcile.PollInterval.Duration, log)
	if err != nil {
		return fmt.Errorf("build mint coordinator: %w", err)
	}

	engine, err := reconcile.NewEngine(client, coordinator, store, reconcile.Options{
		Policy:       policy,
		SearchWindow: cfg.Ledger.SearchWindow,
		Log:          log,
		Metrics:      observability.Badged(),
	})
	if err != nil {
		return fmt.Errorf("build reconcile engine: %w", err)
	}

	httpAPI, err := server.New(server.Config{
		Engine:            engine,
		Records:           store,
		APIKeys:           cfg.API.Keys,
		RequestsPerMinute: cfg.API.RequestsPerMinute,
		Burst:             cfg.API.Burst,
		Log:               log,
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(httpAPI.Handler(), "badged"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resync := reconcile.NewResyncWorker(store, client, cfg.Ledger.SearchWindow, cfg.Reconcile.ResyncInterval.Duration, log)
	go resync.Run(stopCtx)

	errs := make(chan error, 1)
	go func() {
		log.Info("badged listening", "addr", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
