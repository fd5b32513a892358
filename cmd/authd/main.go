// authd is the identity and access-control daemon: DID token
// verification, OAuth client registry and code flow, role-based
// authorization, zero-trust evaluation, and MFA, over one HTTP surface.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/federato/identity-core/internal/audit"
	"github.com/federato/identity-core/internal/authz"
	"github.com/federato/identity-core/internal/cache"
	"github.com/federato/identity-core/internal/config"
	"github.com/federato/identity-core/internal/identity"
	"github.com/federato/identity-core/internal/kv"
	"github.com/federato/identity-core/internal/metrics"
	"github.com/federato/identity-core/internal/mfa"
	"github.com/federato/identity-core/internal/oauth"
	"github.com/federato/identity-core/internal/observability/logger"
	"github.com/federato/identity-core/internal/rate"
	"github.com/federato/identity-core/internal/server"
	"github.com/federato/identity-core/internal/store/pg"
	tokensvc "github.com/federato/identity-core/internal/tokens"
	"github.com/federato/identity-core/internal/trust"
	"github.com/federato/identity-core/internal/verify"
)

var configPath string

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:          "authd",
		Short:        "Identity verification and access control daemon",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config file")

	root.AddCommand(serveCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger.Init(logger.Config{
				Env:         cfg.App.Env,
				Level:       cfg.Log.Level,
				ServiceName: "authd",
			})
			defer func() { _ = logger.Sync() }()

			return serve(cmd.Context(), cfg)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply Postgres migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Storage.Driver != "postgres" {
				return errors.New("storage.driver is not postgres, nothing to migrate")
			}
			logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.Log.Level, ServiceName: "authd"})

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			db, err := pg.New(ctx, pg.Config{
				DSN:             cfg.Storage.Postgres.DSN,
				MaxConns:        cfg.Storage.Postgres.MaxConns,
				ConnMaxLifetime: config.Duration(cfg.Storage.Postgres.ConnMaxLifetime),
			})
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer db.Close()

			if err := db.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.L().Info("migrations applied")
			return nil
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.L()

	store, err := kv.New(kv.Config{
		Driver:   cfg.KV.Kind,
		Addr:     cfg.KV.Redis.Addr,
		Password: cfg.KV.Redis.Password,
		DB:       cfg.KV.Redis.DB,
		Prefix:   cfg.KV.Redis.Prefix,
	})
	if err != nil {
		return fmt.Errorf("key-value store: %w", err)
	}
	defer func() { _ = store.Close() }()

	signingKey, err := loadSigningKey(cfg)
	if err != nil {
		return fmt.Errorf("signing key: %w", err)
	}

	issuer := tokensvc.NewIssuer(cfg.Tokens.Issuer, signingKey, cfg.Tokens.KeyID, store)

	docCache := cache.New(config.Duration(cfg.Cache.DefaultTTL))
	resolver := identity.NewResolver(identity.ResolverConfig{
		DirectoryURL: cfg.Resolver.DirectoryURL,
		Timeout:      config.Duration(cfg.Resolver.Timeout),
		CacheTTL:     config.Duration(cfg.Resolver.CacheTTL),
		NegativeTTL:  config.Duration(cfg.Resolver.NegativeTTL),
	}, docCache)

	verifier := verify.New(resolver, verify.Config{
		ClockTolerance:   config.Duration(cfg.Verify.ClockTolerance),
		ExpectedIssuer:   cfg.Verify.ExpectedIssuer,
		ExpectedAudience: cfg.Verify.ExpectedAudience,
	})

	// Client and role storage follow the configured driver; everything
	// ephemeral (codes, sessions, counters, signals) stays on the kv store.
	var (
		clientStore oauth.ClientStore = oauth.NewKVClientStore(store)
		roleStore   authz.RoleStore   = authz.NewKVRoleStore(store)
	)
	if cfg.Storage.Driver == "postgres" {
		db, err := pg.New(ctx, pg.Config{
			DSN:             cfg.Storage.Postgres.DSN,
			MaxConns:        cfg.Storage.Postgres.MaxConns,
			ConnMaxLifetime: config.Duration(cfg.Storage.Postgres.ConnMaxLifetime),
		})
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		clientStore = db.Clients()
		roleStore = db.Roles()
		log.Info("durable storage enabled", logger.String("driver", "postgres"))
	}

	registry := oauth.NewRegistry(clientStore, oauth.RegistryConfig{
		MaxRedirectURIs: cfg.OAuth.MaxRedirectURIs,
		DefaultScopes:   cfg.OAuth.DefaultScopes,
	})
	flow := oauth.NewFlow(registry, issuer, store, oauth.FlowConfig{
		CodeTTL:    config.Duration(cfg.OAuth.CodeTTL),
		RefreshTTL: config.Duration(cfg.OAuth.RefreshTTL),
		SessionTTL: config.Duration(cfg.OAuth.SessionTTL),
	})

	engine := authz.NewEngine(roleStore, cache.New(config.Duration(cfg.Cache.DefaultTTL)), authz.Config{
		CacheTTL: config.Duration(cfg.Authz.RoleCacheTTL),
	})

	signals := trust.NewSignals(store)
	trustLog := trust.NewAudit(store)
	trustEngine, err := trust.NewEngine(signals, trustLog, trust.Config{
		Weights: trust.Weights{
			Authentication: cfg.Trust.Weights.Authentication,
			Device:         cfg.Trust.Weights.Device,
			Behavior:       cfg.Trust.Weights.Behavior,
			Network:        cfg.Trust.Weights.Network,
		},
		MinTrustScore:        cfg.Trust.MinScore,
		ServiceMinTrustScore: cfg.Trust.ServiceMinScore,
		FreshSessionAge:      config.Duration(cfg.Trust.FreshSessionAge),
		EventWindow:          config.Duration(cfg.Trust.EventWindow),
	})
	if err != nil {
		return fmt.Errorf("trust engine: %w", err)
	}

	mfaService := mfa.NewService(store, mfa.Config{
		Issuer:          cfg.MFA.Issuer,
		PendingTTL:      config.Duration(cfg.MFA.PendingTTL),
		BackupCodes:     cfg.MFA.BackupCodes,
		MaxAttempts:     cfg.MFA.MaxAttempts,
		AttemptWindow:   config.Duration(cfg.MFA.AttemptWindow),
		LockoutDuration: config.Duration(cfg.MFA.LockoutDuration),
	})

	if err := metrics.Register(nil); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	deps := server.Deps{
		Store:              store,
		Verifier:           verifier,
		Resolver:           resolver,
		Issuer:             issuer,
		Registry:           registry,
		Flow:               flow,
		Authz:              engine,
		Trust:              trustEngine,
		Signals:            signals,
		TrustLog:           trustLog,
		MFA:                mfaService,
		Audit:              audit.New(store),
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
	}
	if cfg.Rate.Enabled {
		deps.GlobalLimit = rate.NewLimiter(store, "rl:global", cfg.Rate.MaxRequests, config.Duration(cfg.Rate.Window))
		deps.TokenLimit = rate.NewLimiter(store, "rl:token", cfg.Rate.Token.Limit, config.Duration(cfg.Rate.Token.Window))
		deps.MFALimit = rate.NewLimiter(store, "rl:mfa", cfg.Rate.MFAVerify.Limit, config.Duration(cfg.Rate.MFAVerify.Window))
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.New(deps).Handler(),
		ReadTimeout:  config.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: config.Duration(cfg.Server.WriteTimeout),
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", logger.String("addr", cfg.Server.Addr), logger.String("env", cfg.App.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// loadSigningKey reads the PEM P-256 key at tokens.signing_key_file. In
// dev an absent file falls back to an ephemeral key; tokens then die
// with the process, which is fine for local work and never for prod.
func loadSigningKey(cfg *config.Config) (*ecdsa.PrivateKey, error) {
	path := cfg.Tokens.SigningKeyFile
	if path == "" {
		if cfg.App.Env == "prod" {
			return nil, errors.New("tokens.signing_key_file is required in prod")
		}
		logger.L().Warn("no signing key configured, generating an ephemeral dev key")
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}

	switch block.Type {
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		ec, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, errors.New("signing key is not an EC key")
		}
		if ec.Curve != elliptic.P256() {
			return nil, errors.New("signing key must be P-256")
		}
		return ec, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}
