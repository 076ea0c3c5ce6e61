package cmd

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osm-roadgrid/internal/config"
	"github.com/wegman-software/osm-roadgrid/internal/grid"
	"github.com/wegman-software/osm-roadgrid/internal/logger"
	"github.com/wegman-software/osm-roadgrid/internal/shardstore"
)

var (
	shardMin      string
	shardMax      string
	shardSnapshot string
)

var shardCmd = &cobra.Command{
	Use:   "shard",
	Short: "Manage bbolt shard stores",
	Long: `A shard store keeps one entry per cell keyed in lat,lon order so a
rectangle of cells can be loaded without reading the whole grid.

Examples:
  roadgrid shard save detroit.snap detroit.db
  roadgrid shard load detroit.db --min 42.3,-83.1 --max 42.4,-83.0 -s downtown.snap`,
}

var shardSaveCmd = &cobra.Command{
	Use:   "save <snapshot> <db>",
	Short: "Write a snapshot into a shard store",
	Args:  cobra.ExactArgs(2),
	Run:   runShardSave,
}

var shardLoadCmd = &cobra.Command{
	Use:   "load <db>",
	Short: "Load a range of cells from a shard store",
	Long: `Load the cells between --min and --max (inclusive, by cell) and every
way referenced by their nodes. Without a range the whole store is loaded.
Way nodes outside the range show up in the dangling report.`,
	Args: cobra.ExactArgs(1),
	Run:  runShardLoad,
}

func init() {
	rootCmd.AddCommand(shardCmd)
	shardCmd.AddCommand(shardSaveCmd)
	shardCmd.AddCommand(shardLoadCmd)

	shardLoadCmd.Flags().StringVar(&shardMin, "min", "", "Lower corner lat,lon")
	shardLoadCmd.Flags().StringVar(&shardMax, "max", "", "Upper corner lat,lon")
	shardLoadCmd.Flags().StringVarP(&shardSnapshot, "snapshot", "s", "", "Write the loaded grid as a snapshot")
}

func runShardSave(cmd *cobra.Command, args []string) {
	g := restoreSnapshot(cmd, args[0])

	ctx, cancel := signalContext()
	defer cancel()

	if err := saveShards(ctx, g, args[1]); err != nil {
		exitWithError("failed to write shard store", err)
	}
}

func runShardLoad(cmd *cobra.Command, args []string) {
	log := logger.Get()

	if (shardMin == "") != (shardMax == "") {
		exitWithError("invalid range", fmt.Errorf("--min and --max must be given together"))
	}

	store, err := shardstore.Open(args[0])
	if err != nil {
		exitWithError("failed to open shard store", err)
	}
	defer store.Close()

	res, err := store.Resolution()
	if err != nil {
		exitWithError("failed to read shard store", err)
	}
	if cmd.Flags().Changed("resolution") && res != cfg.Resolution {
		exitWithError("shard store does not match",
			fmt.Errorf("%w: store %g, requested %g", grid.ErrResolutionMismatch, res, cfg.Resolution))
	}

	ctx, cancel := signalContext()
	defer cancel()

	start := time.Now()
	var g *grid.Grid
	if shardMin == "" {
		g, err = store.Load(ctx)
	} else {
		lo, hi := shardRange(res)
		log.Info("Loading cell range", zap.Stringer("min", lo), zap.Stringer("max", hi))
		g, err = store.LoadRange(ctx, lo, hi)
	}
	if err != nil {
		exitWithError("failed to load shard store", err)
	}

	report := g.Dangling()
	log.Info("Shard load complete",
		zap.Duration("duration", time.Since(start).Round(time.Millisecond)),
		zap.Int("cells", g.CellCount()),
		zap.Int64("nodes", g.NodeCount()),
		zap.Int("ways", g.WayCount()),
		zap.Int("dangling_ways", len(report.Ways)),
		zap.Int("missing_nodes", report.MissingNodes),
	)

	if shardSnapshot != "" {
		if err := g.SnapshotFile(shardSnapshot); err != nil {
			exitWithError("failed to write snapshot", err)
		}
		log.Info("Snapshot written", zap.String("path", shardSnapshot))
	}
}

// shardRange converts the --min and --max points to cell coordinates
func shardRange(resolution float64) (lo, hi grid.CellCoord) {
	probe, err := grid.New(resolution)
	if err != nil {
		exitWithError("invalid store resolution", err)
	}
	minLat, minLon, err := config.ParseLatLon(shardMin)
	if err != nil {
		exitWithError("invalid --min", err)
	}
	maxLat, maxLon, err := config.ParseLatLon(shardMax)
	if err != nil {
		exitWithError("invalid --max", err)
	}
	return probe.CellCoordinate(minLat, minLon), probe.CellCoordinate(maxLat, maxLon)
}
