// Package main is the entry point for the cuttlefish transactional email relay.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/cuttlefish/relay/internal/config"
	"github.com/cuttlefish/relay/internal/delivery"
	"github.com/cuttlefish/relay/internal/smtp"
	"github.com/cuttlefish/relay/internal/store"
	relaytls "github.com/cuttlefish/relay/internal/tls"
	"github.com/cuttlefish/relay/internal/transport"
	"github.com/cuttlefish/relay/internal/transport/relay"
	"github.com/cuttlefish/relay/internal/transport/ses"
	"github.com/cuttlefish/relay/internal/transport/stdout"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// Local development convenience; a missing .env file is not an error.
	_ = godotenv.Load()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Logging.Level)

	// Load or generate TLS certificates
	tlsConfig, err := relaytls.LoadOrGenerate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Domain)
	if err != nil {
		slog.Error("failed to setup TLS", "error", err)
		os.Exit(1)
	}

	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsMode = "file"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		slog.Error("failed to open store", "path", cfg.Store.Path, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.EnsureSchema(ctx); err != nil {
		slog.Error("failed to prepare schema", "error", err)
		os.Exit(1)
	}

	tr := selectTransport(ctx, cfg)

	pipeline, err := delivery.New(st, delivery.Options{
		Transport:       tr,
		PlatformDomain:  cfg.EffectiveTrackingDomain(),
		Workers:         cfg.Delivery.Workers,
		PollInterval:    cfg.PollInterval(),
		MaxAttempts:     cfg.Delivery.MaxAttempts,
		RetryBase:       cfg.RetryBase(),
		RetryMultiplier: cfg.Delivery.RetryMultiplier,
	})
	if err != nil {
		slog.Error("failed to create delivery pipeline", "error", err)
		os.Exit(1)
	}

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Domain:         cfg.SMTP.Domain,
		Store:          st,
		TLSConfig:      tlsConfig,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		MaxViolations:  cfg.SMTP.MaxViolations,
	})

	slog.Info("starting cuttlefish",
		"listen", cfg.SMTP.Listen,
		"domain", cfg.SMTP.Domain,
		"transport", tr.Name(),
		"store", cfg.Store.Path,
		"tls_mode", tlsMode,
	)

	// Setup graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	// Delivery workers run alongside the SMTP listener and stop on the
	// same context.
	pipelineDone := make(chan struct{})
	go func() {
		pipeline.Run(ctx)
		close(pipelineDone)
	}()

	// Start the server (blocks until context is cancelled)
	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	<-pipelineDone
	slog.Info("cuttlefish stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// selectTransport chooses the outbound delivery backend based on configuration.
func selectTransport(ctx context.Context, cfg *config.Config) transport.Transport {
	switch cfg.Delivery.Transport {
	case "relay":
		if cfg.Delivery.Relay.Addr == "" {
			slog.Error("relay transport selected but RELAY_ADDR is required")
			os.Exit(1)
		}
		slog.Info("using SMTP relay transport", "addr", cfg.Delivery.Relay.Addr)
		t, err := relay.New(relay.Options{
			Addr:     cfg.Delivery.Relay.Addr,
			Hostname: cfg.SMTP.Domain,
			Username: cfg.Delivery.Relay.Username,
			Password: cfg.Delivery.Relay.Password,
		})
		if err != nil {
			slog.Error("failed to create relay transport", "error", err)
			os.Exit(1)
		}
		return t

	case "ses":
		if !cfg.SESConfigured() {
			slog.Error("ses transport selected but SES_REGION is required")
			os.Exit(1)
		}
		slog.Info("using AWS SES transport", "region", cfg.Delivery.SES.Region)
		t, err := ses.New(ctx, ses.Options{
			Region:          cfg.Delivery.SES.Region,
			AccessKeyID:     cfg.Delivery.SES.AccessKeyID,
			SecretAccessKey: cfg.Delivery.SES.SecretAccessKey,
		})
		if err != nil {
			slog.Error("failed to create SES transport", "error", err)
			os.Exit(1)
		}
		return t

	case "stdout", "":
		slog.Info("using stdout transport")
		return stdout.New()

	default:
		slog.Error("unknown transport", "transport", cfg.Delivery.Transport)
		os.Exit(1)
		return nil
	}
}
