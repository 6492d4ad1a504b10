package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"grimm.is/roamd/internal/brand"
	"grimm.is/roamd/internal/config"
	"grimm.is/roamd/internal/daemon"
	"grimm.is/roamd/internal/logging"
)

// RunStart runs the daemon in the foreground until SIGINT or SIGTERM.
// Supervision, forking, and log redirection belong to the service manager.
func RunStart(configFile string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger := logging.New(logging.Config{
		Level: logging.ParseLevel(cfg.Log.Level),
		JSON:  cfg.Log.JSON,
	})
	logging.SetDefault(logger)

	logger.Info("starting "+brand.Name, "version", brand.Version, "config", configFile)
	if len(cfg.KnownNetworks) == 0 {
		logger.Warn("known_networks is empty, every network will force the tunnel on")
	}

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- d.Run(ctx)
	}()

	return runMainEventLoop(cancel, d, runErr)
}

// runMainEventLoop handles signals and waits for the daemon to exit.
func runMainEventLoop(cancel context.CancelFunc, d *daemon.Daemon, runErr <-chan error) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case err := <-runErr:
			// The daemon only returns on its own when startup failed.
			return err
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				logging.Info("Received SIGHUP, re-asserting tunnel state...")
				d.Resync()
			case os.Interrupt, syscall.SIGTERM:
				logging.Info("Received signal, shutting down...", "signal", sig)
				cancel()
				return <-runErr
			}
		}
	}
}
