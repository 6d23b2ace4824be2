// Command brokerd runs the authorization broker as a standalone HTTP server.
//
// Every flag can also be set through a BROKERD_-prefixed environment
// variable (flag dashes become underscores, e.g. BROKERD_REDIS_ADDR).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relayauth/broker"
	"github.com/relayauth/broker/providers"
	"github.com/relayauth/broker/providers/upstream"
	"github.com/relayauth/broker/server"
	"github.com/relayauth/broker/storage"
	"github.com/relayauth/broker/storage/memory"
	"github.com/relayauth/broker/storage/redis"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "brokerd",
		Short:         "Delegated OAuth 2.0 authorization broker",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.String("listen", ":8080", "address to listen on")
	flags.String("issuer", "http://localhost:8080", "externally visible base URL")
	flags.String("callback-path", "/oauth/callback", "identity provider callback path")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")

	flags.String("provider-client-id", "", "identity provider client id")
	flags.String("provider-client-secret", "", "identity provider client secret")
	flags.String("provider-auth-url", "", "identity provider authorization endpoint")
	flags.String("provider-token-url", "", "identity provider token endpoint")
	flags.String("provider-userinfo-url", "", "identity provider userinfo endpoint")
	flags.StringSlice("provider-scopes", nil, "scopes requested from the identity provider")

	flags.String("redis-addr", "", "redis address; empty selects the in-memory store")
	flags.String("redis-password", "", "redis password")
	flags.Int("redis-db", 0, "redis database number")
	flags.String("redis-prefix", "broker:", "redis key prefix")

	flags.Int("rate-limit", 0, "requests per window per client IP on the protected surface (0 disables)")
	flags.Duration("rate-limit-window", time.Minute, "rate limit window")
	flags.StringSlice("origin-allowlist", nil, "allowed source IPs/CIDRs (empty disables the origin guard)")
	flags.Bool("trust-proxy", false, "resolve client IPs from X-Forwarded-For")
	flags.Int("trusted-proxy-count", 0, "number of trusted proxy hops")

	cobra.OnInitialize(func() {
		viper.SetEnvPrefix("BROKERD")
		viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
		viper.AutomaticEnv()
	})
	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}

	return cmd
}

func run(ctx context.Context) error {
	logger := newLogger(viper.GetString("log-level"))

	kv, cleanup, err := openKV(ctx, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	provider, err := newProvider()
	if err != nil {
		return err
	}

	rateLimit := viper.GetInt("rate-limit")
	allowlist := viper.GetStringSlice("origin-allowlist")

	srv, err := server.New(&server.Config{
		Issuer:       strings.TrimRight(viper.GetString("issuer"), "/"),
		CallbackPath: viper.GetString("callback-path"),
		RateLimit: server.RateLimitConfig{
			Enabled: rateLimit > 0,
			Limit:   rateLimit,
			Window:  viper.GetDuration("rate-limit-window"),
		},
		OriginGuardEnabled: len(allowlist) > 0,
		OriginAllowlist:    allowlist,
		TrustProxyHeaders:  viper.GetBool("trust-proxy"),
		TrustedProxyCount:  viper.GetInt("trusted-proxy-count"),
	}, kv, provider, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	handler := broker.NewHandler(srv, logger)
	mux := http.NewServeMux()
	handler.Routes(mux)

	httpSrv := &http.Server{
		Addr:              viper.GetString("listen"),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Broker listening", "addr", httpSrv.Addr, "issuer", srv.Config.Issuer)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// openKV selects the store backend: Redis when an address is configured,
// otherwise the in-process memory store.
func openKV(ctx context.Context, logger *slog.Logger) (storage.KV, func(), error) {
	if addr := viper.GetString("redis-addr"); addr != "" {
		kv, err := redis.Dial(ctx,
			addr,
			viper.GetString("redis-password"),
			viper.GetInt("redis-db"),
			viper.GetString("redis-prefix"))
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using redis store", "addr", addr)
		return kv, func() { _ = kv.Close() }, nil
	}

	logger.Warn("Using in-memory store; state is lost on restart and not shared between replicas")
	kv := memory.New()
	kv.SetLogger(logger)
	return kv, kv.Stop, nil
}

func newProvider() (providers.Provider, error) {
	provider, err := upstream.New(&upstream.Config{
		ClientID:     viper.GetString("provider-client-id"),
		ClientSecret: viper.GetString("provider-client-secret"),
		AuthURL:      viper.GetString("provider-auth-url"),
		TokenURL:     viper.GetString("provider-token-url"),
		UserInfoURL:  viper.GetString("provider-userinfo-url"),
		RedirectURL:  strings.TrimRight(viper.GetString("issuer"), "/") + viper.GetString("callback-path"),
		Scopes:       viper.GetStringSlice("provider-scopes"),
	})
	if err != nil {
		return nil, fmt.Errorf("identity provider configuration: %w", err)
	}
	return provider, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
