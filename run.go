package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/financehub/syncd/internal/automator"
	"github.com/financehub/syncd/internal/config"
	"github.com/financehub/syncd/internal/credential"
	"github.com/financehub/syncd/internal/engine"
	"github.com/financehub/syncd/internal/events"
	"github.com/financehub/syncd/internal/state"
)

// automatorRegistry is the process-wide factory registry. Site automator
// packages register their entity types here from init or a build-tagged
// registration file; the core only knows the contract.
var automatorRegistry = automator.NewRegistry()

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long: `Start the scheduling engine and event server.

Plans today's syncs, backfills missed days, and blocks until SIGINT or
SIGTERM. A second signal forces immediate exit.`,
		Args: cobra.NoArgs,
		RunE: runDaemon,
	}
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}

	settings, err := config.Resolve(cfg)
	if err != nil {
		return err
	}

	logger := buildLogger(cfg)

	// One daemon per database. The lock lives next to the DB so pointing a
	// second instance at a different database is still allowed.
	removePID, err := writePIDFile(filepath.Join(filepath.Dir(settings.DBPath), "syncd.pid"))
	if err != nil {
		return err
	}
	defer removePID()

	store, err := state.NewStore(settings.DBPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	creds, err := credential.NewStore(settings.CredentialDir)
	if err != nil {
		return err
	}

	bus := events.NewBus(logger)
	server := events.NewServer(bus, settings.ListenAddr, logger)
	eng := engine.New(settings, store, creds, automatorRegistry, bus, engine.RealClock{}, logger)

	ctx := shutdownContext(cmd.Context(), logger)

	logger.Info("financehub-syncd starting",
		"version", version,
		"entities", len(settings.Entities),
		"db_path", settings.DBPath,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return eng.Run(gctx)
	})

	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}

	logger.Info("financehub-syncd stopped")

	return nil
}
