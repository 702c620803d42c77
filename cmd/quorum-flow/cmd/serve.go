package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/api"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/config"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/definition"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/diagnostics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the workflow engine",
	Long: `Start the HTTP control and query API. On startup the engine recovers
instances that were interrupted by a previous exit, imports the definitions
directory and, with definitions.watch, re-imports files as they change.`,
	RunE: runServe,
}

var (
	serveAddr     string
	serveNoImport bool
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default: server.addr)")
	serveCmd.Flags().BoolVar(&serveNoImport, "no-import", false, "skip importing the definitions directory")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.Close()
	logger := e.logger

	if e.tracer.Enabled() {
		logger.Info("event traces enabled", "dir", e.cfg.Trace.Dir)
	}

	importer := definition.NewImporter(e.store, logger)
	if !serveNoImport && e.cfg.Definitions.Dir != "" {
		results, err := importDefinitions(ctx, importer, e.cfg.Definitions.Dir)
		if err != nil {
			return err
		}
		logger.Info("definitions imported", "dir", e.cfg.Definitions.Dir, "files", len(results), "failed", countFailed(results))
	}

	results, err := e.orch.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recovering instances: %w", err)
	}
	for _, r := range results {
		logger.Info("instance recovered",
			"instance_id", r.InstanceID, "workflow_id", r.WorkflowID, "action", r.Action, "error", r.Error)
	}

	if e.cfg.Definitions.Watch && e.cfg.Definitions.Dir != "" {
		w := definition.NewWatcher(e.cfg.Definitions.Dir, importer, logger)
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("watching definitions: %w", err)
		}
		defer func() { _ = w.Close() }()
	}

	addr := serveAddr
	if addr == "" {
		addr = e.cfg.Server.Addr
	}
	opts := []api.ServerOption{
		api.WithLogger(logger),
		api.WithCORSOrigins(e.cfg.Server.CORSOrigins),
	}
	if e.monitor != nil {
		e.monitor.Start(ctx)
		system := diagnostics.NewSystemMetricsCollector(filepath.Dir(e.cfg.State.Path))
		opts = append(opts, api.WithDiagnostics(e.monitor, system))
	}
	srv := api.NewServer(e.store, e.orch, e.bus, opts...)
	return srv.ListenAndServe(ctx, addr, config.Duration(e.cfg.Server.ShutdownTimeout))
}

// importDefinitions loads every definition file of dir. A missing directory is not an error.
func importDefinitions(ctx context.Context, importer *definition.Importer, dir string) ([]definition.ImportResult, error) {
	results, err := importer.ImportDir(ctx, dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("importing definitions: %w", err)
	}
	return results, nil
}

func countFailed(results []definition.ImportResult) int {
	n := 0
	for _, r := range results {
		if r.Error != "" {
			n++
		}
	}
	return n
}
