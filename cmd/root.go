package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wegman-software/osm-roadgrid/internal/config"
	"github.com/wegman-software/osm-roadgrid/internal/filter"
	"github.com/wegman-software/osm-roadgrid/internal/grid"
	"github.com/wegman-software/osm-roadgrid/internal/logger"
)

var (
	cfg        = config.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "roadgrid",
	Short: "Spatial grid index for OSM road networks",
	Long: `roadgrid builds an in-memory grid index of an OpenStreetMap road network.

Features:
  - Nodes bucketed into fixed-size lat/lon cells
  - Ways classified by highway type with explicit max speeds
  - Exact node to way back-references under concurrent ingest
  - Checksummed snapshots, bbolt shard stores and Parquet export
  - Incremental updates from OSC change files`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFile != "" {
			if err := loadConfigFile(cfg, cmd.Flags(), configFile); err != nil {
				return err
			}
		}

		logger.Init(logger.Options{
			Debug: cfg.Verbose,
			File:  cfg.LogFile,
		})
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML configuration file, flags override its values")
	rootCmd.PersistentFlags().BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().IntVarP(&cfg.Workers, "workers", "j", cfg.Workers, "Number of parallel workers")
	rootCmd.PersistentFlags().Float64VarP(&cfg.Resolution, "resolution", "r", cfg.Resolution, "Cell size in degrees")
	rootCmd.PersistentFlags().StringVar(&cfg.FilterFile, "filter", "", "YAML way filter file")

	// Logging and metrics flags
	rootCmd.PersistentFlags().StringVar(&cfg.LogFile, "log-file", "", "Path to log file for persistent logging (JSON format)")
	rootCmd.PersistentFlags().DurationVar(&cfg.MetricsInterval, "metrics-interval", cfg.MetricsInterval, "Interval for system metrics logging, 0 disables (e.g., 10s, 1m)")
	rootCmd.PersistentFlags().DurationVar(&cfg.ProgressInterval, "progress-interval", cfg.ProgressInterval, "Interval for progress logging, 0 disables")
}

// loadConfigFile overlays a YAML file onto c. Flags given on the command
// line win over the file.
func loadConfigFile(c *config.Config, flags *pflag.FlagSet, path string) error {
	explicit := make(map[*pflag.Flag]string)
	flags.Visit(func(f *pflag.Flag) {
		explicit[f] = f.Value.String()
	})

	if err := c.LoadFile(path); err != nil {
		return err
	}

	for f, value := range explicit {
		if err := f.Value.Set(value); err != nil {
			return fmt.Errorf("failed to reapply --%s: %w", f.Name, err)
		}
	}
	return nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	log := logger.Get()
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

// loadFilter reads the configured way filter; nil means index every way
func loadFilter() *filter.Filter {
	if cfg.FilterFile == "" {
		return nil
	}
	fc, err := filter.LoadConfig(cfg.FilterFile)
	if err != nil {
		exitWithError("failed to load filter", err)
	}
	return filter.New(fc)
}

// restoreSnapshot loads a snapshot and checks it against the configured
// resolution when the flag was given explicitly
func restoreSnapshot(cmd *cobra.Command, path string) *grid.Grid {
	log := logger.Get()
	start := time.Now()

	g, err := grid.RestoreFile(path)
	if err != nil {
		exitWithError("failed to restore snapshot", err)
	}
	if cmd.Flags().Changed("resolution") {
		if err := g.CheckResolution(cfg.Resolution); err != nil {
			exitWithError("snapshot does not match", err)
		}
	}
	cfg.Resolution = g.Resolution()

	log.Info("Snapshot restored",
		zap.String("path", path),
		zap.Float64("resolution", g.Resolution()),
		zap.Int("cells", g.CellCount()),
		zap.Int64("nodes", g.NodeCount()),
		zap.Int("ways", g.WayCount()),
		zap.Duration("duration", time.Since(start).Round(time.Millisecond)))
	return g
}

func exitWithError(msg string, err error) {
	log := logger.Get()
	if err != nil {
		log.Error(msg, zap.Error(err))
	} else {
		log.Error(msg)
	}
	logger.Sync()
	os.Exit(1)
}
