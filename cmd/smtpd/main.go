// Command smtpd runs the SMTP submission/relay server: it loads
// configuration, opens the MailStore and MXRelay capabilities, wires
// the SMTP session handler onto the listener pool, and runs until a
// shutdown signal arrives.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/infodancer/smtpd/internal/config"
	"github.com/infodancer/smtpd/internal/logging"
	"github.com/infodancer/smtpd/internal/mailstore"
	"github.com/infodancer/smtpd/internal/metrics"
	"github.com/infodancer/smtpd/internal/mxrelay"
	"github.com/infodancer/smtpd/internal/rspamd"
	"github.com/infodancer/smtpd/internal/server"
	"github.com/infodancer/smtpd/internal/smtp"
	"github.com/infodancer/smtpd/internal/spamcheck"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load TLS configuration if certificates are specified. Used for
	// both STARTTLS on plain listeners and implicit-TLS/submission
	// listeners.
	var tlsConfig *tls.Config
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading TLS certificate: %v\n", err)
			os.Exit(1)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   cfg.TLS.MinTLSVersion(),
		}
		logger.Info("TLS configured",
			slog.String("cert", cfg.TLS.CertFile),
			slog.String("min_version", cfg.TLS.MinVersion))
	}

	// Set up the metrics collector.
	var collector metrics.Collector = &metrics.NoopCollector{}
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	// Open the MailStore (§4.2): bounded connection pool, optional
	// write-behind writer, argon2id credential verification.
	var store *mailstore.Store
	if cfg.Mailstore.IsEnabled() {
		host := cfg.Mailstore.Host
		if host == "" {
			host = cfg.Hostname
		}
		store, err = mailstore.Open(ctx, mailstore.Config{
			DataSourceName: cfg.Mailstore.DataSourceName,
			Host:           host,
			PoolSize:       cfg.Mailstore.PoolSize,
			AcquireTimeout: cfg.Mailstore.AcquireTimeoutDuration(),
			WriteBehind:    cfg.Mailstore.WriteBehind,
			QueueSize:      cfg.Mailstore.QueueSize,
			DrainInterval:  cfg.Mailstore.DrainIntervalDuration(),
			Logger:         logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error opening mailstore: %v\n", err)
			os.Exit(1)
		}
		go store.Run(ctx)
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("error closing mailstore", "error", err)
			}
		}()
		logger.Info("mailstore enabled", "host", host, "write_behind", cfg.Mailstore.WriteBehind)
	} else {
		logger.Warn("mailstore not configured; AUTH/REGISTER/local delivery disabled")
	}

	// Construct the MXRelay (§4.3) for foreign-domain delivery.
	var relay *mxrelay.Relay
	if cfg.Relay.Enabled {
		relay = mxrelay.New(mxrelay.Config{
			OurDomain:      cfg.Hostname,
			TLSConfig:      tlsConfig,
			SMTPPort:       cfg.Relay.SMTPPort,
			DNSTimeout:     cfg.Relay.DNSTimeoutDuration(),
			ConnectTimeout: cfg.Relay.ConnectTimeoutDuration(),
			Logger:         logger,
		})
		logger.Info("relay enabled")
	}

	// Create spam checker from config (ambient enrichment beyond the
	// core SMTP state machine; runs just before DATA is accepted).
	spamChecker, spamCheckConfig := createSpamChecker(cfg, logger)
	if spamChecker != nil {
		defer func() {
			if err := spamChecker.Close(); err != nil {
				logger.Error("error closing spam checker", "error", err)
			}
		}()
	}

	handler := smtp.Handler(cfg.Hostname, collector, store, relay, tlsConfig, &smtp.HandlerOptions{
		SpamChecker:     spamChecker,
		SpamCheckConfig: spamCheckConfig,
		MaxMessageSize:  int64(cfg.Limits.MaxMessageSize),
		MaxRecipients:   cfg.Limits.MaxRecipients,
	})

	srv, err := server.New(&cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating server: %v\n", err)
		os.Exit(1)
	}
	srv.SetHandler(handler)

	// Handle shutdown signals: SIGINT/SIGTERM cancel the context, which
	// the Server honours by stopping accept loops and draining workers.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	// Start metrics server if enabled.
	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewPrometheusServer(cfg.Metrics.Address, cfg.Metrics.Path)
		go func() {
			if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	logger.Info("starting smtpd", "hostname", cfg.Hostname, "listeners", len(cfg.Listeners))

	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

// createSpamChecker creates a spam checker from the configuration.
func createSpamChecker(cfg config.Config, logger *slog.Logger) (spamcheck.Checker, config.SpamCheckConfig) {
	if !cfg.SpamCheck.IsEnabled() {
		return nil, config.SpamCheckConfig{}
	}

	checkers, names := createCheckersFromConfig(cfg.SpamCheck, logger)
	if len(checkers) == 0 {
		return nil, config.SpamCheckConfig{}
	}

	logger.Info("spam checking enabled",
		"checkers", names,
		"mode", cfg.SpamCheck.Mode,
		"fail_mode", cfg.SpamCheck.GetFailMode(),
		"reject_threshold", cfg.SpamCheck.RejectThreshold)

	if len(checkers) == 1 {
		return checkers[0], cfg.SpamCheck
	}

	multiConfig := spamcheck.MultiConfig{
		Mode:              cfg.SpamCheck.Mode,
		FailMode:          spamcheck.FailMode(cfg.SpamCheck.FailMode),
		RejectThreshold:   cfg.SpamCheck.RejectThreshold,
		TempFailThreshold: cfg.SpamCheck.TempFailThreshold,
		AddHeaders:        cfg.SpamCheck.AddHeaders,
	}
	return spamcheck.NewMultiChecker(checkers, multiConfig), cfg.SpamCheck
}

// createCheckersFromConfig creates spam checkers from the spamcheck config.
func createCheckersFromConfig(cfg config.SpamCheckConfig, logger *slog.Logger) ([]spamcheck.Checker, []string) {
	var checkers []spamcheck.Checker
	var names []string

	for _, checkerCfg := range cfg.Checkers {
		if !checkerCfg.IsEnabled() {
			continue
		}

		switch checkerCfg.Type {
		case "rspamd":
			checker := rspamd.NewChecker(checkerCfg.URL, checkerCfg.Password, checkerCfg.GetTimeout())
			checkers = append(checkers, checker)
			names = append(names, "rspamd")
			logger.Debug("created rspamd checker", "url", checkerCfg.URL)

		default:
			logger.Warn("unknown spam checker type", "type", checkerCfg.Type)
		}
	}

	return checkers, names
}
