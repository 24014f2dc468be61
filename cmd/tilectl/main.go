// Command tilectl runs the batch jobs around the tile index: bulk import,
// region assignment, schema setup and invariant verification.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"ecotile-bknd/internal/config"
	"ecotile-bknd/internal/database"
	"ecotile-bknd/internal/logger"

	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// app carries what every subcommand needs once the root command has run.
type app struct {
	cfg  *config.Config
	logr *logger.Logger
	db   *bun.DB
	// closers are released in reverse order when the command returns.
	closers []io.Closer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root, a := rootCommand()
	err := execute(ctx, root, a)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// execute runs the command tree and releases the connection pool whether the
// command succeeded, failed or was interrupted.
func execute(ctx context.Context, root *cobra.Command, a *app) error {
	defer a.close()
	return root.ExecuteContext(ctx)
}

func rootCommand() (*cobra.Command, *app) {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "tilectl",
		Short:         "Species tile index batch tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		a.cfg = config.Load()
		a.logr = logger.New(a.cfg)
		db, err := database.New(a.cfg.DatabaseURL, a.cfg, database.BatchPool)
		if err != nil {
			return err
		}
		a.db = db
		a.closers = append(a.closers, db)
		return nil
	}

	rootCmd.AddCommand(
		importCommand(a),
		assignCommand(a),
		migrateCommand(a),
		verifyCommand(a),
	)
	return rootCmd, a
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && a.logr != nil {
			a.logr.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
	if a.logr != nil {
		a.logr.Sync()
	}
}
