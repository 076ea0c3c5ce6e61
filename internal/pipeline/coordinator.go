package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wegman-software/osm-roadgrid/internal/config"
	"github.com/wegman-software/osm-roadgrid/internal/filter"
	"github.com/wegman-software/osm-roadgrid/internal/grid"
	"github.com/wegman-software/osm-roadgrid/internal/logger"
	"github.com/wegman-software/osm-roadgrid/internal/metrics"
	"github.com/wegman-software/osm-roadgrid/internal/source"
)

// maxReportedWays caps the way ids logged for dangling references
const maxReportedWays = 20

// Coordinator streams an extract into a grid with a pool of insert workers
type Coordinator struct {
	cfg    *config.Config
	grid   *grid.Grid
	filter *filter.Filter
	reader *source.Reader

	bound    orb.Bound
	hasBound bool

	nodesInserted atomic.Int64
	waysInserted  atomic.Int64
	waysFiltered  atomic.Int64
	nodesOutside  atomic.Int64
}

// NewCoordinator prepares an ingest of cfg.InputFile into g. A nil filter
// indexes every way.
func NewCoordinator(cfg *config.Config, g *grid.Grid, f *filter.Filter) (*Coordinator, error) {
	if err := g.CheckResolution(cfg.Resolution); err != nil {
		return nil, err
	}

	bound, hasBound, err := cfg.Bound()
	if err != nil {
		return nil, err
	}

	reader, err := source.Open(cfg.InputFile, cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	return &Coordinator{
		cfg:      cfg,
		grid:     g,
		filter:   f,
		reader:   reader,
		bound:    bound,
		hasBound: hasBound,
	}, nil
}

// Run reads the whole input and inserts every element. On cancellation it
// returns the context error; elements inserted so far stay in the grid.
func (c *Coordinator) Run(ctx context.Context) (*IngestStats, error) {
	log := logger.Get()
	start := time.Now()

	if c.cfg.MetricsInterval > 0 {
		metricsCtx, cancelMetrics := context.WithCancel(ctx)
		defer cancelMetrics()

		collector := metrics.NewCollector(c.cfg.MetricsInterval, log)
		collector.AddFields(c.gridFields)
		go collector.Start(metricsCtx)
		log.Info("System metrics collection started",
			zap.Duration("interval", c.cfg.MetricsInterval))
	}

	if c.cfg.ProgressInterval > 0 {
		progressCtx, cancelProgress := context.WithCancel(ctx)
		defer cancelProgress()
		go c.reportProgress(progressCtx, c.cfg.ProgressInterval)
	}

	batches := make(chan []osm.Object, c.cfg.ChannelBuffer)
	g, gctx := errgroup.WithContext(ctx)

	// producer
	g.Go(func() error {
		defer close(batches)

		batch := make([]osm.Object, 0, c.cfg.BatchSize)
		send := func() error {
			select {
			case batches <- batch:
				batch = make([]osm.Object, 0, c.cfg.BatchSize)
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		}

		err := c.reader.Run(gctx, func(obj osm.Object) error {
			batch = append(batch, obj)
			if len(batch) >= c.cfg.BatchSize {
				return send()
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(batch) > 0 {
			return send()
		}
		return nil
	})

	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			for batch := range batches {
				if err := gctx.Err(); err != nil {
					return err
				}
				c.insertBatch(batch)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			log.Warn("Ingest cancelled, grid holds a partial index",
				zap.Int64("nodes", c.grid.NodeCount()),
				zap.Int("ways", c.grid.WayCount()))
			return c.stats(start), ctxErr
		}
		return nil, err
	}

	stats := c.stats(start)
	stats.Dangling = c.grid.Dangling()
	c.logDangling(stats.Dangling)

	log.Info("Ingest complete",
		zap.Int64("nodes_read", stats.Read.Nodes),
		zap.Int64("ways_read", stats.Read.Ways),
		zap.Int64("relations_skipped", stats.Read.Relations),
		zap.Int64("ways_filtered", stats.WaysFiltered),
		zap.Int64("nodes_outside_bbox", stats.NodesOutside),
		zap.Int("cells", stats.Cells),
		zap.Int64("nodes", stats.Nodes),
		zap.Int("ways", stats.Ways),
		zap.Duration("duration", stats.Duration.Round(time.Millisecond)))

	if c.cfg.StrictRefs {
		if err := stats.Dangling.Err(); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (c *Coordinator) insertBatch(batch []osm.Object) {
	for _, obj := range batch {
		switch e := obj.(type) {
		case *osm.Node:
			if c.hasBound && !c.bound.Contains(orb.Point{e.Lon, e.Lat}) {
				c.nodesOutside.Add(1)
				continue
			}
			c.grid.InsertNode(e)
			c.nodesInserted.Add(1)
		case *osm.Way:
			if !c.filter.MatchWay(e) {
				c.waysFiltered.Add(1)
				continue
			}
			c.grid.InsertWay(e)
			c.waysInserted.Add(1)
		}
	}
}

func (c *Coordinator) stats(start time.Time) *IngestStats {
	return &IngestStats{
		Read:          c.reader.Stats(),
		NodesInserted: c.nodesInserted.Load(),
		WaysInserted:  c.waysInserted.Load(),
		WaysFiltered:  c.waysFiltered.Load(),
		NodesOutside:  c.nodesOutside.Load(),
		Cells:         c.grid.CellCount(),
		Nodes:         c.grid.NodeCount(),
		Ways:          c.grid.WayCount(),
		Duration:      time.Since(start),
	}
}

func (c *Coordinator) gridFields() []zap.Field {
	return []zap.Field{
		zap.Int("cells", c.grid.CellCount()),
		zap.Int64("nodes", c.grid.NodeCount()),
		zap.Int("ways", c.grid.WayCount()),
	}
}

func (c *Coordinator) logDangling(report grid.DanglingReport) {
	log := logger.Get()

	if len(report.DegenerateWays) > 0 {
		log.Debug("Ways with fewer than two nodes",
			zap.Int("count", len(report.DegenerateWays)))
	}
	if report.Empty() {
		return
	}

	ways := report.Ways
	if len(ways) > maxReportedWays {
		ways = ways[:maxReportedWays]
	}
	log.Warn("Ways reference nodes missing from the input",
		zap.Int("missing_nodes", report.MissingNodes),
		zap.Int("unresolved_refs", report.UnresolvedRefs),
		zap.Int("affected_ways", len(report.Ways)),
		zap.Int64s("first_ways", ways))
}

// reportProgress periodically logs read progress
func (c *Coordinator) reportProgress(ctx context.Context, interval time.Duration) {
	log := logger.Get()
	tracker := NewProgressTracker(c.reader.Size())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			read := c.reader.Stats()
			p := tracker.Sample(read.Nodes+read.Ways+read.Relations, read.BytesRead)

			log.Info("Ingest progress",
				zap.Int64("nodes", read.Nodes),
				zap.Int64("ways", read.Ways),
				zap.String("read", FormatBytes(p.Bytes)),
				zap.String("percent", fmt.Sprintf("%.1f%%", p.Percentage)),
				zap.String("rate", FormatThroughput(p.Rate)),
				zap.String("avg_rate", FormatThroughput(p.AvgRate)),
				zap.String("eta", FormatETA(p.ETA)),
				zap.Int("cells", c.grid.CellCount()))
		}
	}
}

// IsCancelled reports whether err stems from a cancelled or expired context
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
