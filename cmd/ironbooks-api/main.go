package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/ironbooks/internal/auth"
	"github.com/MarcoPoloResearchLab/ironbooks/internal/config"
	"github.com/MarcoPoloResearchLab/ironbooks/internal/database"
	"github.com/MarcoPoloResearchLab/ironbooks/internal/identity"
	"github.com/MarcoPoloResearchLab/ironbooks/internal/logging"
	"github.com/MarcoPoloResearchLab/ironbooks/internal/profiles"
	"github.com/MarcoPoloResearchLab/ironbooks/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ironbooks-api",
		Short: "IronBooks identity backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	})
	rootCmd.AddCommand(newMintSessionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "TAuth session signing secret (overrides env)")
	cmd.PersistentFlags().String("session-issuer", defaults.GetString("tauth.issuer"), "Expected TAuth session issuer")
	cmd.PersistentFlags().String("session-cookie", defaults.GetString("tauth.cookie_name"), "TAuth session cookie name")
	cmd.PersistentFlags().String("impersonation-key", defaults.GetString("impersonation.storage_key"), "Durable key prefix for impersonation slots")
	cmd.PersistentFlags().Int("profile-cache-size", defaults.GetInt("profiles.cache_size"), "Number of cached profiles")
	cmd.PersistentFlags().StringSlice("allowed-origins", defaults.GetStringSlice("cors.allowed_origins"), "CORS allowed origins")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "tauth.signing_secret", "signing-secret")
	bindFlag(cmd, "tauth.issuer", "session-issuer")
	bindFlag(cmd, "tauth.cookie_name", "session-cookie")
	bindFlag(cmd, "impersonation.storage_key", "impersonation-key")
	bindFlag(cmd, "profiles.cache_size", "profile-cache-size")
	bindFlag(cmd, "cors.allowed_origins", "allowed-origins")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newMintSessionCommand() *cobra.Command {
	var (
		userID      string
		email       string
		displayName string
		roles       []string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "mint-session",
		Short: "Sign a local TAuth-compatible session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(appConfig.TAuthSigningKey),
				Issuer:        appConfig.TAuthIssuer,
				SessionTTL:    ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueSession(auth.SessionClaims{
				UserID:          userID,
				UserEmail:       email,
				UserDisplayName: displayName,
				UserRoles:       roles,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n# expires %s\n", token, expiresAt.Format(time.RFC3339))
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "Session user id")
	cmd.Flags().StringVar(&email, "email", "", "Session user email")
	cmd.Flags().StringVar(&displayName, "name", "", "Session display name")
	cmd.Flags().StringSliceVar(&roles, "roles", nil, "Session roles, e.g. admin")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Session lifetime")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
	})
	if err != nil {
		return err
	}

	profileService, err := profiles.NewService(profiles.ServiceConfig{
		Database:  db,
		Clock:     time.Now,
		CacheSize: appConfig.ProfileCacheSize,
		Logger:    logger.Named("profiles"),
	})
	if err != nil {
		return err
	}

	impersonationLogger := logger.Named("impersonation")
	registry, err := identity.NewRegistry(identity.RegistryConfig{
		SlotPrefix: appConfig.ImpersonationSlotKey,
		Logger:     impersonationLogger,
		StoreFactory: func(slotKey string) (identity.TargetStore, error) {
			return identity.NewGormTargetStore(identity.GormTargetStoreConfig{
				Database: db,
				SlotKey:  slotKey,
				Logger:   impersonationLogger,
			})
		},
	})
	if err != nil {
		return err
	}
	defer registry.Close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessionValidator,
		Profiles:       profileService,
		Impersonation:  registry,
		Logger:         logger,
		AllowedOrigins: appConfig.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	httpServer.BaseContext = func(net.Listener) context.Context { return signalCtx }

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("allowed_origins", strings.Join(appConfig.AllowedOrigins, ",")))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
