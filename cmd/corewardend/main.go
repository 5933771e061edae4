// Package main provides the entry point for the CoreWarden daemon.
// The daemon supervises the external proxy core binary, reconciles the
// virtual network interfaces it claims, manages the machine-wide proxy
// override, and serves the local control socket the UI talks to.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/Finesssee/CoreWarden/internal/buildinfo"
	"github.com/Finesssee/CoreWarden/internal/config"
	"github.com/Finesssee/CoreWarden/internal/ipc"
	"github.com/Finesssee/CoreWarden/internal/logging"
	"github.com/Finesssee/CoreWarden/internal/oscmd"
	"github.com/Finesssee/CoreWarden/internal/supervisor"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	var (
		configPath  string
		socketPath  string
		logLevel    string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "Path to the daemon config.yaml")
	flag.StringVar(&socketPath, "socket", "", "Override the control socket path")
	flag.StringVar(&logLevel, "log-level", "", "Override the configured log level")
	flag.BoolVar(&showVersion, "version", false, "Show CoreWarden version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("CoreWarden Daemon Version: %s, Commit: %s, BuiltAt: %s\n",
			buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)
		return
	}

	if wd, err := os.Getwd(); err == nil {
		if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil && !os.IsNotExist(errLoad) {
			log.Debugf("no .env loaded: %v", errLoad)
		}
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if socketPath != "" {
		cfg.SocketPath = socketPath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logging.SetLogLevel(cfg.LogLevel)
	if cfg.LogFile != "" {
		logging.SetupFileLogging(cfg.LogFile)
	}

	log.Infof("CoreWarden Daemon Version: %s, Commit: %s, BuiltAt: %s",
		buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	sup := supervisor.New(cfg, oscmd.System())
	sup.CleanupOrphan(ctx)

	srv := ipc.NewServer(cfg.SocketPath, sup)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx)
	})
	if configPath != "" {
		if _, statErr := os.Stat(configPath); statErr == nil {
			g.Go(func() error {
				return config.Watch(gctx, configPath, func(next *config.Config) {
					// Only the log level is safe to change live; timing
					// budgets and the socket path apply on restart.
					logging.SetLogLevel(next.LogLevel)
				})
			})
		}
	}

	if err = g.Wait(); err != nil {
		log.Errorf("daemon terminated: %v", err)
	}

	// The signal context is gone at this point; the shutdown sequence still
	// has to stop the core and restore the proxy override.
	log.Info("shutting down, stopping core process")
	if err = sup.Stop(context.Background()); err != nil {
		log.Warnf("stop during shutdown failed: %v", err)
	}
	log.Info("shutdown complete")
}
