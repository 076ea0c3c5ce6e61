package cmd

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osm-roadgrid/internal/grid"
	"github.com/wegman-software/osm-roadgrid/internal/logger"
	"github.com/wegman-software/osm-roadgrid/internal/pipeline"
	"github.com/wegman-software/osm-roadgrid/internal/shardstore"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <input.osm.pbf>",
	Short: "Build a grid index from an OSM extract",
	Long: `Stream an OSM extract into a grid index and persist it.

Accepted inputs: .osm.pbf, .osm, .osm.gz and .osm.bz2.
Relations are skipped. Ways referencing nodes absent from the extract are
reported at the end of the pass; with --strict-refs the ingest fails instead.

Outputs:
  --snapshot  single checksummed snapshot file
  --shard-db  bbolt store loadable by cell range`,
	Args: cobra.ExactArgs(1),
	Run:  runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().StringVarP(&cfg.SnapshotFile, "snapshot", "s", "", "Write a snapshot to this path")
	ingestCmd.Flags().StringVar(&cfg.ShardDB, "shard-db", "", "Write a bbolt shard store to this path")
	ingestCmd.Flags().StringVarP(&cfg.BBox, "bbox", "b", "", "Keep nodes inside minlon,minlat,maxlon,maxlat")
	ingestCmd.Flags().BoolVar(&cfg.StrictRefs, "strict-refs", false, "Fail when ways reference missing nodes")
	ingestCmd.Flags().IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Elements per insert batch")
	ingestCmd.Flags().IntVar(&cfg.ChannelBuffer, "channel-buffer", cfg.ChannelBuffer, "Batches buffered between reader and workers")
}

func runIngest(cmd *cobra.Command, args []string) {
	cfg.InputFile = args[0]
	log := logger.Get()

	if err := cfg.ValidateIngest(); err != nil {
		exitWithError("invalid configuration", err)
	}

	logFields := []zap.Field{
		zap.String("input", cfg.InputFile),
		zap.Float64("resolution", cfg.Resolution),
		zap.Int("workers", cfg.Workers),
		zap.Int("batch_size", cfg.BatchSize),
	}
	if cfg.BBox != "" {
		logFields = append(logFields, zap.String("bbox", cfg.BBox))
	}
	if cfg.FilterFile != "" {
		logFields = append(logFields, zap.String("filter", cfg.FilterFile))
	}
	if cfg.StrictRefs {
		logFields = append(logFields, zap.Bool("strict_refs", true))
	}
	log.Info("Starting ingest", logFields...)

	g, err := grid.New(cfg.Resolution)
	if err != nil {
		exitWithError("invalid resolution", err)
	}

	f := loadFilter()
	defer f.Close()

	coordinator, err := pipeline.NewCoordinator(cfg, g, f)
	if err != nil {
		exitWithError("failed to create pipeline", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	totalStart := time.Now()
	stats, err := coordinator.Run(ctx)
	if err != nil {
		if pipeline.IsCancelled(err) {
			exitWithError("ingest interrupted, nothing written", err)
		}
		exitWithError("ingest failed", err)
	}
	if n := f.ScriptFailures(); n > 0 {
		log.Warn("Filter script rejected ways after errors", zap.Int64("ways", n))
	}

	if cfg.SnapshotFile != "" {
		start := time.Now()
		if err := g.SnapshotFile(cfg.SnapshotFile); err != nil {
			exitWithError("failed to write snapshot", err)
		}
		log.Info("Snapshot written",
			zap.String("path", cfg.SnapshotFile),
			zap.Duration("duration", time.Since(start).Round(time.Millisecond)))
	}

	if cfg.ShardDB != "" {
		if err := saveShards(ctx, g, cfg.ShardDB); err != nil {
			exitWithError("failed to write shard store", err)
		}
	}

	log.Info("Ingest finished",
		zap.Duration("total_time", time.Since(totalStart).Round(time.Second)),
		zap.Int("cells", stats.Cells),
		zap.Int64("nodes", stats.Nodes),
		zap.Int("ways", stats.Ways),
		zap.Int("dangling_ways", len(stats.Dangling.Ways)),
		zap.Int("degenerate_ways", len(stats.Dangling.DegenerateWays)))
}

func saveShards(ctx context.Context, g *grid.Grid, path string) error {
	log := logger.Get()
	start := time.Now()

	store, err := shardstore.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	bar := newProgressBar(g.CellCount(), "Writing cells...")
	err = store.SaveGrid(ctx, g, func(cells int) { bar.Set(cells) })
	bar.Finish()
	if err != nil {
		return err
	}

	log.Info("Shard store written",
		zap.String("path", path),
		zap.Int("cells", g.CellCount()),
		zap.Duration("duration", time.Since(start).Round(time.Millisecond)))
	return nil
}
