package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/beacon/internal/auth"
	"github.com/MarcoPoloResearchLab/beacon/internal/config"
	"github.com/MarcoPoloResearchLab/beacon/internal/database"
	"github.com/MarcoPoloResearchLab/beacon/internal/logging"
	"github.com/MarcoPoloResearchLab/beacon/internal/profile"
	"github.com/MarcoPoloResearchLab/beacon/internal/server"
	"github.com/MarcoPoloResearchLab/beacon/internal/sessions"
	"github.com/MarcoPoloResearchLab/beacon/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "beacon-api",
		Short: "Beacon session authentication service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("idp-audience", defaults.GetString("idp.audience"), "Identity provider OAuth client ID")
	cmd.PersistentFlags().String("idp-jwks-url", defaults.GetString("idp.jwks_url"), "Identity provider JWKS URL")
	cmd.PersistentFlags().StringSlice("idp-allowed-issuers", defaults.GetStringSlice("idp.allowed_issuers"), "Identity provider issuer allow-list")
	cmd.PersistentFlags().String("profile-endpoint", defaults.GetString("profile.endpoint"), "External profile API endpoint")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("session-ttl-hours", defaults.GetInt("session.ttl_hours"), "Session credential TTL in hours")
	cmd.PersistentFlags().Int("session-freshness-hours", defaults.GetInt("session.freshness_hours"), "Maximum ID token age in hours")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "idp.audience", "idp-audience")
	bindFlag(cmd, "idp.jwks_url", "idp-jwks-url")
	bindFlag(cmd, "idp.allowed_issuers", "idp-allowed-issuers")
	bindFlag(cmd, "profile.endpoint", "profile-endpoint")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "session.ttl_hours", "session-ttl-hours")
	bindFlag(cmd, "session.freshness_hours", "session-freshness-hours")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
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

	idTokenVerifier, err := auth.NewIDTokenVerifier(auth.IDTokenVerifierConfig{
		Audience:       appConfig.IDPAudience,
		JWKSURL:        appConfig.IDPJWKSURL,
		AllowedIssuers: appConfig.IDPAllowedIssuers,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	revocations, err := auth.NewRevocationStore(db)
	if err != nil {
		return err
	}

	identity, err := auth.NewService(auth.ServiceConfig{
		IDTokenVerifier: idTokenVerifier,
		Revocations:     revocations,
		SigningSecret:   []byte(appConfig.SessionSigningSecret),
		Issuer:          appConfig.SessionIssuer,
		SessionTTL:      appConfig.SessionTTL,
	})
	if err != nil {
		return err
	}

	profileFetcher, err := profile.NewFetcher(profile.FetcherConfig{
		Endpoint: appConfig.ProfileEndpoint,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	userStore, err := users.NewStore(db)
	if err != nil {
		return err
	}

	provisioner, err := users.NewProvisioner(users.ProvisionerConfig{
		Store:  userStore,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	sessionManager, err := sessions.NewManager(sessions.ManagerConfig{
		Identity:        identity,
		Profiles:        profileFetcher,
		Provisioner:     provisioner,
		Users:           userStore,
		FreshnessWindow: appConfig.FreshnessWindow,
		SessionTTL:      appConfig.SessionTTL,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessionManager,
		CookieName:     appConfig.SessionCookieName,
		CookieSecure:   appConfig.SessionCookieSecure,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
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
