package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cjliu2003/writersroom/backend/internal/auth"
	"github.com/cjliu2003/writersroom/backend/internal/collab"
	"github.com/cjliu2003/writersroom/backend/internal/config"
	"github.com/cjliu2003/writersroom/backend/internal/database"
	"github.com/cjliu2003/writersroom/backend/internal/document"
	"github.com/cjliu2003/writersroom/backend/internal/logging"
	"github.com/cjliu2003/writersroom/backend/internal/schedule"
	"github.com/cjliu2003/writersroom/backend/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const evictionInterval = 30 * time.Second

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "writersroom-sync",
		Short: "Writersroom realtime sync and persistence service",
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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().StringSlice("broadcast-peers", defaults.GetStringSlice("broadcast.peers"), "Peer relay websocket URLs")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "broadcast.peers", "broadcast-peers")
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

	updateLog, err := document.NewUpdateLog(document.UpdateLogConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	materializer, err := document.NewMaterializer(document.MaterializerConfig{
		Database: db,
		Log:      updateLog,
		Logger:   logger,
		Budget:   appConfig.JobBudget,
	})
	if err != nil {
		return err
	}

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
		TokenTTL:      appConfig.AuthTokenTTL,
	})
	if err != nil {
		return err
	}

	// The relay's apply hook needs the session manager, which in turn
	// needs the broadcaster; close over the variable to break the cycle.
	var sessions *document.SessionManager
	localBroadcaster := document.NewLocalBroadcaster()
	var broadcaster document.Broadcaster = localBroadcaster
	var relay *document.RelayBroadcaster
	applyExternal := func(ctx context.Context, documentID string, payload []byte) error {
		if sessions == nil {
			return nil
		}
		return sessions.ApplyExternal(ctx, documentID, payload)
	}
	if len(appConfig.BroadcastPeers) > 0 {
		relay = document.NewRelayBroadcaster(document.RelayBroadcasterConfig{
			Local: localBroadcaster,
			Peers: appConfig.BroadcastPeers,
			Apply: applyExternal,
			Credentials: func(ctx context.Context) (string, error) {
				token, _, err := tokenIssuer.IssueToken(ctx, server.RelaySubject)
				return token, err
			},
			Logger: logger,
		})
		broadcaster = relay
	}

	sessions, err = document.NewSessionManager(document.SessionManagerConfig{
		Log:             updateLog,
		Broadcaster:     broadcaster,
		Loader:          collab.SnapshotLoader{Materializer: materializer},
		Logger:          logger,
		MaxUpdateBytes:  appConfig.MaxUpdateBytes,
		PersistAttempts: appConfig.PersistAttempts,
		PersistBackoff:  appConfig.PersistBackoff,
		IdleGrace:       appConfig.IdleGrace,
		SessionTimeout:  appConfig.SessionTimeout,
	})
	if err != nil {
		return err
	}

	gateway, err := document.NewAutosaveGateway(document.AutosaveGatewayConfig{
		Database:    db,
		Log:         updateLog,
		Broadcaster: broadcaster,
		Apply:       applyExternal,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	reconciler, err := document.NewReconciler(document.ReconcilerConfig{
		Materializer: materializer,
		Gateway:      gateway,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	compactor, err := document.NewCompactor(document.CompactorConfig{
		Database:     db,
		Log:          updateLog,
		Materializer: materializer,
		Logger:       logger,
		Threshold:    appConfig.CompactThreshold,
		MinAge:       appConfig.CompactMinAge,
		Retention:    appConfig.Retention,
		Budget:       appConfig.JobBudget,
	})
	if err != nil {
		return err
	}
	detector, err := document.NewDetector(document.DetectorConfig{
		Log:          updateLog,
		Materializer: materializer,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	access, err := collab.NewMembershipController(collab.MembershipControllerConfig{
		Database: db,
	})
	if err != nil {
		return err
	}
	scheduler := schedule.NewScheduler(schedule.SchedulerConfig{Logger: logger})
	jobs := []struct {
		job  schedule.Job
		spec string
	}{
		{schedule.NewJob("materialize-sweep", materializer.Sweep), appConfig.MaterializeSpec},
		{schedule.NewJob("compaction-sweep", compactor.Sweep), appConfig.CompactSpec},
		{schedule.NewJob("divergence-sweep", detector.Sweep), appConfig.DivergenceSpec},
		{schedule.NewJob("retention-purge", compactor.PurgeExpired), appConfig.PurgeSpec},
	}
	for _, entry := range jobs {
		if err := scheduler.AddJob(entry.job, entry.spec); err != nil {
			return err
		}
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenIssuer:       tokenIssuer,
		Access:            access,
		Sessions:          sessions,
		Materializer:      materializer,
		Gateway:           gateway,
		Reconciler:        reconciler,
		Detector:          detector,
		Broadcaster:       broadcaster,
		Relay:             relay,
		Logger:            logger,
		CookieName:        appConfig.AuthCookieName,
		SnapshotCacheSize: appConfig.SnapshotCacheSize,
		SnapshotCacheTTL:  appConfig.SnapshotCacheTTL,
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

	scheduler.Start(signalCtx)
	go sessions.RunEviction(signalCtx, evictionInterval)
	if relay != nil {
		go relay.Run(signalCtx)
	}

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
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		sessions.CloseAll()
		scheduler.Stop()
		return shutdownErr
	case err := <-errCh:
		return err
	}
}
