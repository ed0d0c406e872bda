// MediaVault Server
//
// Serves one directory tree behind a shared password:
// - JWT sessions and file-scoped stream tokens
// - Directory listing and recursive search
// - Range-aware download, audio and video streaming
// - Login rate limiting, Prometheus metrics, structured logging (zap)
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/mediavault/internal/api"
	"github.com/fruitsalade/mediavault/internal/auth"
	"github.com/fruitsalade/mediavault/internal/config"
	"github.com/fruitsalade/mediavault/internal/listing"
	"github.com/fruitsalade/mediavault/internal/logging"
	"github.com/fruitsalade/mediavault/internal/metrics"
	"github.com/fruitsalade/mediavault/internal/pathsafe"
	"github.com/fruitsalade/mediavault/internal/ratelimit"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mediavault: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		showQR     bool
	)

	cmd := &cobra.Command{
		Use:           "mediavault",
		Short:         "Password-protected media file server",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			return run(cfg, showQR)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_FILE"), "YAML config file (environment variables override it)")
	cmd.Flags().BoolVar(&showQR, "qr", false, "print a QR code of the server URL on startup")

	cmd.AddCommand(newPasswdCmd())
	return cmd
}

func newPasswdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "passwd <password>",
		Short: "Print the bcrypt hash to use as ACCESS_PASSWORD_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func run(cfg *config.Config, showQR bool) error {
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: cfg.LogOutput,
	}); err != nil {
		return fmt.Errorf("logging init error: %w", err)
	}
	defer logging.Sync()

	logging.Info("MediaVault server starting...",
		zap.String("version", version),
		zap.String("listen", cfg.ListenAddr()),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("root", cfg.RootDirectory))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Auth
	hash := cfg.AccessPasswordHash
	if hash == "" {
		h, err := auth.HashPassword(cfg.AccessPassword)
		if err != nil {
			return fmt.Errorf("hash access password: %w", err)
		}
		hash = h
	}
	authn, err := auth.New(auth.Options{
		PasswordHash:   []byte(hash),
		Secret:         []byte(cfg.JWTSecret),
		TokenTTL:       cfg.TokenTTL,
		StreamTokenTTL: cfg.StreamTokenTTL,
	})
	if err != nil {
		return fmt.Errorf("auth init failed: %w", err)
	}

	// Storage root
	resolver, err := pathsafe.New(cfg.RootDirectory)
	if err != nil {
		return fmt.Errorf("root directory: %w", err)
	}

	loginLimiter := ratelimit.New(cfg.LoginAttempts, cfg.LoginWindow)
	lister := listing.New(resolver, cfg.MaxSearchResults)

	srv := api.NewServer(resolver, authn, loginLimiter, lister, api.Options{
		Version:        version,
		FrontendURL:    cfg.FrontendURL,
		RequestTimeout: cfg.RequestTimeout,
		RateLimitRPS:   cfg.RateLimitRPS,
		TrustProxy:     cfg.TrustProxy,
	})

	// Metrics server
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	// Streams can run for hours, so there is no WriteTimeout.
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	if cfg.UseTLS() {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("forcing close", zap.Error(err))
			httpServer.Close()
		}
		if metricsServer != nil {
			metricsServer.Close()
		}
	}()

	// Periodic cleanup of idle login rate-limit keys
	go func() {
		ticker := time.NewTicker(cfg.RateLimitCleanup)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n := loginLimiter.Cleanup()
				logging.Debug("rate limiter cleanup", zap.Int("tracked", n))
			}
		}
	}()

	if showQR {
		printQR(cfg)
	}

	if cfg.UseTLS() {
		logging.Info("HTTPS server listening", zap.String("addr", cfg.ListenAddr()))
		err = httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
	} else {
		logging.Info("HTTP server listening", zap.String("addr", cfg.ListenAddr()))
		err = httpServer.ListenAndServe()
	}
	if !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	logging.Info("server stopped")
	return nil
}

// printQR writes the LAN URL as a terminal QR code so a phone can open it.
func printQR(cfg *config.Config) {
	scheme := "http"
	if cfg.UseTLS() {
		scheme = "https"
	}
	host := cfg.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = outboundIP()
	}
	url := fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, strconv.Itoa(cfg.Port)))

	q, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		logging.Warn("could not generate QR code", zap.Error(err))
		return
	}
	fmt.Println(q.ToSmallString(false))
	fmt.Println(url)
}

// outboundIP picks the address of the interface used for the default
// route. No packets are sent.
func outboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
