package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gridmesh/provisiond/internal/agentproc"
	"github.com/gridmesh/provisiond/internal/backend"
	"github.com/gridmesh/provisiond/internal/config"
	"github.com/gridmesh/provisiond/internal/hoststate"
	"github.com/gridmesh/provisiond/internal/installer"
	"github.com/gridmesh/provisiond/internal/report"
	"github.com/gridmesh/provisiond/internal/statusserver"
	"github.com/gridmesh/provisiond/internal/storage"
	"github.com/gridmesh/provisiond/internal/sysinfo"
	"github.com/gridmesh/provisiond/internal/tunnel"
)

func main() {
	// Identity validation happens before anything else: a missing resource
	// id aborts the run without a single network call.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg, "provisiond")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}

	store, err := storage.NewStore(cfg.DataDir)
	if err != nil {
		logger.Error("failed to init storage", "err", err)
		os.Exit(1)
	}

	nodeID, err := store.NodeID()
	if err != nil {
		logger.Error("failed to load node id", "err", err)
		os.Exit(1)
	}
	logger = logger.With("node_id", nodeID, "resource_id", cfg.ResourceID)

	logger.Info("starting provisiond",
		"version", config.Version,
		"build_time", config.BuildTime,
		"backend", cfg.BackendURL,
	)

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM,
	)
	defer cancel()

	api := backend.NewClient(cfg.BackendURL, cfg.ResourceID, cfg.Token, logger)
	reporter := report.NewReporter(api, cfg.ResourceID, cfg.BackendURL, logger)
	escalator := report.NewEscalator(reporter, logger)

	tunnelSup := tunnel.NewSupervisor(tunnel.Settings{
		BastionAddress: cfg.BastionAddress,
		BastionUser:    cfg.BastionUser,
		BastionHostKey: cfg.BastionPublicKey,
		RemotePort:     cfg.BastionPort,
		LocalPort:      cfg.LocalAgentPort,
		PrivateKeyPath: filepath.Join(store.KeyDir(), tunnel.PrivateKeyFile),
		MaxRetries:     cfg.TunnelMaxRetries,
	}, logger)

	agent := agentproc.New(
		cfg.AgentBinaryPath,
		cfg.AgentReleaseURL,
		filepath.Join(cfg.LogDir, "agent.log"),
		logger,
	)

	inst := installer.New(installer.Deps{
		Config:    cfg,
		Logger:    logger,
		Reporter:  reporter,
		Failures:  escalator,
		Plane:     api,
		Host:      hoststate.New(cfg.AuthorizedKeysPath, logger),
		Inventory: sysinfo.NewProbe(),
		Tunnel:    tunnelSup,
		Agent:     agent,
		Store:     store,
	})

	if cfg.StatusPort > 0 {
		status := statusserver.New(cfg.StatusPort, inst, func() string {
			if cfg.BastionAddress == "" {
				return "disabled"
			}
			return string(tunnelSup.State())
		}, logger)
		go func() {
			if err := status.Run(); err != nil {
				logger.Warn("status server stopped", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer shutdownCancel()
			_ = status.Shutdown(shutdownCtx)
		}()
	}

	if err := inst.Run(ctx); err != nil {
		logger.Error("provisioning failed", "err", err)
		os.Exit(1)
	}

	if cfg.WaitForAgent {
		// The provisioner's lifetime now tracks the agent's: an agent
		// crash surfaces as a non-zero exit, an operator signal does not.
		if err := inst.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("agent exited", "err", err)
			os.Exit(1)
		}
	}

	logger.Info("provisiond stopped cleanly")
}
