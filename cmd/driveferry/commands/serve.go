package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/driveferry/driveferry/config"
	"github.com/driveferry/driveferry/credential"
	"github.com/driveferry/driveferry/db"
	"github.com/driveferry/driveferry/errors"
	"github.com/driveferry/driveferry/ferry"
	"github.com/driveferry/driveferry/logger"
	"github.com/driveferry/driveferry/server"
	"github.com/driveferry/driveferry/version"
)

// ServeCmd starts the driveferry daemon
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the transfer API server",
	Long: `Launch the driveferry daemon: HTTP/WebSocket API, the transfer
process supervisor, and the background credential refresh sweep.`,
	RunE: runServe,
}

var serveDBPath string

func init() {
	ServeCmd.Flags().StringVar(&serveDBPath, "db-path", "", "Custom database path (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	dbPath := serveDBPath
	if dbPath == "" {
		dbPath, err = config.GetDatabasePath()
		if err != nil {
			return err
		}
	}

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	if err := db.Migrate(database, logger.Logger); err != nil {
		return errors.Wrap(err, "failed to migrate database")
	}

	// Assemble the engine
	jobStore := ferry.NewStore(database)
	registry, err := ferry.NewRegistry(jobStore, cfg.Transfer.LogDir,
		cfg.Jobs.LogTailLines, cfg.Jobs.ProgressUpdatesSec)
	if err != nil {
		return err
	}

	manifests, err := ferry.NewManifestBuilder(cfg.Transfer.ManifestDir)
	if err != nil {
		return err
	}

	// Jobs left mid-flight by a previous process cannot be resumed
	if err := registry.RecoverOrphans(); err != nil {
		return errors.Wrap(err, "failed to recover orphaned jobs")
	}
	manifests.Sweep()

	credStore := credential.NewStore(database)
	provider := credential.NewProvider(credential.ProviderOptions{
		TokenURL:     cfg.OAuth.TokenURL,
		ProbeURL:     cfg.OAuth.ProbeURL,
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RedirectURI:  cfg.OAuth.RedirectURI,
	})
	gate := credential.NewGate(credStore, provider,
		time.Duration(cfg.OAuth.SafetyMarginSeconds)*time.Second)

	guard := ferry.NewGuard(cfg.Jobs.MaxConcurrent)
	supervisor := ferry.NewSupervisor(supervisorOptions(cfg), registry, manifests, guard)
	service := ferry.NewService(registry, gate, manifests, guard, supervisor, cfg.Transfer.SourceRemote)

	// Background credential refresh
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	go gate.RunSweep(sweepCtx,
		time.Duration(cfg.OAuth.SweepIntervalMinutes)*time.Minute,
		time.Duration(cfg.OAuth.SweepWindowHours)*time.Hour)

	// Hot-reload transfer tuning when the config file changes
	if configPath := findConfigFile(cmd); configPath != "" {
		watcher, werr := config.NewConfigWatcher(configPath)
		if werr != nil {
			logger.Warnw("Config watcher unavailable", "error", werr)
		} else {
			watcher.OnReload(func(newCfg *config.Config) error {
				supervisor.UpdateOptions(supervisorOptions(newCfg))
				server.SetAllowedOrigins(newCfg.Server.AllowedOrigins)
				return nil
			})
			watcher.Start()
			defer watcher.Stop()
		}
	}

	srv := server.NewServer(service, registry, cfg, logger.Logger)

	printServeBanner(cfg, dbPath)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		logger.Infow("Shutting down", "signal", sig.String())
	}

	// Stop transfers first so their supervisors finalize jobs, then drain
	// the HTTP server.
	service.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("Server shutdown error", "error", err)
	}

	logger.Infow("Shutdown complete")
	return nil
}

// supervisorOptions maps config onto supervisor tuning
func supervisorOptions(cfg *config.Config) ferry.SupervisorOptions {
	return ferry.SupervisorOptions{
		ExePath:         cfg.Transfer.ExePath,
		SourceRemote:    cfg.Transfer.SourceRemote,
		DestRemote:      cfg.Transfer.DestRemote,
		Bucket:          cfg.Transfer.Bucket,
		Transfers:       cfg.Transfer.Transfers,
		Checkers:        cfg.Transfer.Checkers,
		Retries:         cfg.Transfer.Retries,
		LowLevelRetries: cfg.Transfer.LowLevelRetries,
		StatsInterval:   cfg.Transfer.StatsInterval,
		BufferSize:      cfg.Transfer.BufferSize,
		StopGrace:       time.Duration(cfg.Transfer.StopGraceSeconds) * time.Second,
		MaxRuntime:      time.Duration(cfg.Transfer.MaxRuntimeMinutes) * time.Minute,
	}
}

func printServeBanner(cfg *config.Config, dbPath string) {
	port := config.DefaultServerPort
	if cfg.Server.Port != nil {
		port = *cfg.Server.Port
	}

	pterm.DefaultHeader.WithFullWidth().Printf("driveferry %s", version.Version)
	pterm.Info.Printf("Listening on :%d\n", port)
	pterm.Info.Printf("Database: %s\n", dbPath)
	pterm.Info.Printf("Transfer tool: %s (%s: -> %s:%s)\n",
		cfg.Transfer.ExePath, cfg.Transfer.SourceRemote,
		cfg.Transfer.DestRemote, cfg.Transfer.Bucket)
	pterm.Info.Printf("Max concurrent transfers: %d\n", cfg.Jobs.MaxConcurrent)
}
