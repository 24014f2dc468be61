package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"ecotile-bknd/internal/assignment"
	"ecotile-bknd/internal/database"
	"ecotile-bknd/internal/importer"
	"ecotile-bknd/internal/tilestore"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func importCommand(a *app) *cobra.Command {
	var (
		format     string
		batchSize  int
		dataSource string
	)

	cmd := &cobra.Command{
		Use:   "import [file...]",
		Short: "Import tile records from CSV or NDJSON files",
		Long: `Import tile records into the tile store. Files may be compressed
with zstd (.zst) or gzip (.gz). Records are normalized and upserted by
geohash, so re-running an import is safe.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var f importer.Format
			if format != "" {
				parsed, err := importer.ParseFormat(format)
				if err != nil {
					return err
				}
				f = parsed
			}
			if batchSize <= 0 {
				batchSize = a.cfg.ImportBatchSize
			}

			store := tilestore.New(a.db, a.cfg.GeohashLength, a.logr.Named("tilestore"))
			im := importer.New(store, importer.Options{
				BatchSize:     batchSize,
				GeohashLength: a.cfg.GeohashLength,
				DataSource:    dataSource,
				ProgressEvery: a.cfg.ProgressEvery,
			}, a.logr.Named("import"))

			var failed error
			for _, path := range args {
				stats, err := im.ImportFile(cmd.Context(), path, f)
				if printErr := printJSON(map[string]any{"file": path, "stats": stats}); printErr != nil {
					return printErr
				}
				if err != nil {
					a.logr.Error("import failed", zap.String("file", path), zap.Error(err))
					failed = errors.Join(failed, fmt.Errorf("%s: %w", path, err))
					if cmd.Context().Err() != nil {
						break
					}
				}
			}
			return failed
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "", "input format: csv or ndjson (default: from file extension)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "records per upsert batch (default: IMPORT_BATCH_SIZE)")
	cmd.Flags().StringVar(&dataSource, "source", "", "data_source applied to records that carry none")
	return cmd
}

func assignCommand(a *app) *cobra.Command {
	var skipContainment, skipBoundary bool

	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign unassigned tiles to ecoregions",
		Long: `Run region assignment: first every tile whose centre lies inside an
ecoregion, then the remaining tiles by largest overlap. Interrupting the
command stops after the current unit; committed work is kept.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if skipContainment && skipBoundary {
				return errors.New("nothing to do: both phases skipped")
			}
			engine := assignment.NewEngine(assignment.NewPGStore(a.db), assignment.Options{
				BoundaryBatchSize:  a.cfg.BoundaryBatchSize,
				BoundaryBatchDelay: a.cfg.BoundaryBatchDelay,
				EcoregionDelay:     a.cfg.EcoregionDelay,
				ProgressEvery:      a.cfg.ProgressEvery,
				SkipContainment:    skipContainment,
				SkipBoundary:       skipBoundary,
			}, a.logr.Named("assignment"))

			sum, err := engine.Run(cmd.Context(), nil)
			if printErr := printJSON(sum); printErr != nil {
				return printErr
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&skipContainment, "skip-containment", false, "run only the boundary phase")
	cmd.Flags().BoolVar(&skipBoundary, "skip-boundary", false, "run only the containment phase")
	return cmd
}

func migrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create extensions, tables and indexes if missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return database.EnsureSchema(cmd.Context(), a.db, a.logr.Named("schema"))
		},
	}
}

func verifyCommand(a *app) *cobra.Command {
	var (
		fix      bool
		pageSize int
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check stored tiles against their aggregate and geometry invariants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store := tilestore.New(a.db, a.cfg.GeohashLength, a.logr.Named("tilestore"))
			report, err := store.Verify(cmd.Context(), pageSize, fix)
			if err != nil {
				return err
			}
			if err := printJSON(report); err != nil {
				return err
			}
			if !report.OK() && !fix {
				return fmt.Errorf("%d aggregate and %d geometry mismatches",
					report.AggregateMismatch, report.GeometryMismatch)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&fix, "fix", false, "rewrite offending tiles with recomputed values")
	cmd.Flags().IntVar(&pageSize, "page-size", 1000, "tiles read per page")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
