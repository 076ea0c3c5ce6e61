package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/project"
	"go.uber.org/zap"

	"github.com/wegman-software/osm-roadgrid/internal/grid"
	"github.com/wegman-software/osm-roadgrid/internal/logger"
	"github.com/wegman-software/osm-roadgrid/internal/roadclass"
)

// Supported output projections
const (
	SRIDWGS84       = 4326
	SRIDWebMercator = 3857
)

// Output file names
const (
	NodesFile = "nodes.parquet"
	WaysFile  = "ways.parquet"
)

// Options controls an export
type Options struct {
	Dir        string
	Projection int
	BatchSize  int
}

// Stats holds the row counts of an export
type Stats struct {
	Nodes int64
	Ways  int64
	// IncompleteWays counts ways written without geometry
	IncompleteWays int64
}

// Exporter writes a grid as Parquet tables
type Exporter struct {
	opts     Options
	progress func(done, total int)
}

// New creates an exporter
func New(opts Options) (*Exporter, error) {
	if opts.Projection != SRIDWGS84 && opts.Projection != SRIDWebMercator {
		return nil, fmt.Errorf("unsupported projection %d (expected %d or %d)", opts.Projection, SRIDWGS84, SRIDWebMercator)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100000
	}
	return &Exporter{opts: opts}, nil
}

// OnProgress registers a callback receiving the number of cells and ways
// written out of the total
func (e *Exporter) OnProgress(fn func(done, total int)) {
	e.progress = fn
}

// Run writes nodes.parquet and ways.parquet into the output directory
func (e *Exporter) Run(ctx context.Context, g *grid.Grid) (*Stats, error) {
	log := logger.Get()

	if err := os.MkdirAll(e.opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	coords := g.Cells()
	ways := g.Ways()
	total := len(coords) + len(ways)
	stats := &Stats{}

	nodes, err := newTableWriter(filepath.Join(e.opts.Dir, NodesFile), nodeSchema, e.opts.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create node writer: %w", err)
	}
	for i, coord := range coords {
		if err := ctx.Err(); err != nil {
			nodes.Close()
			return nil, err
		}
		cell, ok := g.Cell(coord)
		if !ok {
			continue
		}
		for _, n := range cell.Nodes() {
			if err := e.writeNode(nodes, coord, n); err != nil {
				nodes.Close()
				return nil, fmt.Errorf("failed to write node %d: %w", n.ID, err)
			}
		}
		e.report(i+1, total)
	}
	stats.Nodes = nodes.rows
	if err := nodes.Close(); err != nil {
		return nil, fmt.Errorf("failed to close node writer: %w", err)
	}

	wayWriter, err := newTableWriter(filepath.Join(e.opts.Dir, WaysFile), waySchema, e.opts.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create way writer: %w", err)
	}
	for i, w := range ways {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				wayWriter.Close()
				return nil, err
			}
		}
		complete, err := e.writeWay(wayWriter, g, w)
		if err != nil {
			wayWriter.Close()
			return nil, fmt.Errorf("failed to write way %d: %w", w.ID, err)
		}
		if !complete {
			stats.IncompleteWays++
		}
		e.report(len(coords)+i+1, total)
	}
	stats.Ways = wayWriter.rows
	if err := wayWriter.Close(); err != nil {
		return nil, fmt.Errorf("failed to close way writer: %w", err)
	}

	log.Info("Export complete",
		zap.String("dir", e.opts.Dir),
		zap.Int("srid", e.opts.Projection),
		zap.Int64("nodes", stats.Nodes),
		zap.Int64("ways", stats.Ways),
		zap.Int64("incomplete_ways", stats.IncompleteWays))

	return stats, nil
}

func (e *Exporter) report(done, total int) {
	if e.progress != nil {
		e.progress(done, total)
	}
}

func (e *Exporter) writeNode(w *tableWriter, coord grid.CellCoord, n grid.Node) error {
	geom, err := e.encode(n.Point())
	if err != nil {
		return err
	}

	w.int64s(0).Append(n.ID)
	w.builder.Field(1).(*array.Float64Builder).Append(n.Lat)
	w.builder.Field(2).(*array.Float64Builder).Append(n.Lon)
	w.builder.Field(3).(*array.Int32Builder).Append(coord.Lat)
	w.builder.Field(4).(*array.Int32Builder).Append(coord.Lon)
	w.builder.Field(5).(*array.StringBuilder).Append(tagsToJSON(n.Tags))
	w.list(6, n.WayRefs())
	w.builder.Field(7).(*array.BinaryBuilder).Append(geom)
	return w.rowDone()
}

// writeWay appends one way row. Geometry is null when any node is missing.
func (e *Exporter) writeWay(w *tableWriter, g *grid.Grid, way *grid.Way) (complete bool, err error) {
	line, missing, _ := g.WayGeometry(way.ID)
	complete = len(missing) == 0 && len(line) >= 2

	var geom []byte
	if complete {
		if geom, err = e.encode(line); err != nil {
			return false, err
		}
	}

	w.int64s(0).Append(way.ID)

	highway := w.builder.Field(1).(*array.StringBuilder)
	if way.Class == roadclass.None {
		highway.AppendNull()
	} else {
		highway.Append(way.Class.String())
	}

	prior := w.builder.Field(2).(*array.Float64Builder)
	if p, ok := way.Class.Prior(); ok {
		prior.Append(p)
	} else {
		prior.AppendNull()
	}

	speed := w.builder.Field(3).(*array.Uint8Builder)
	if v, ok := way.MaxSpeed(); ok {
		speed.Append(v)
	} else {
		speed.AppendNull()
	}

	w.list(4, way.NodeIDs)
	w.builder.Field(5).(*array.StringBuilder).Append(tagsToJSON(way.Tags))
	w.builder.Field(6).(*array.Int32Builder).Append(int32(len(missing)))

	geomCol := w.builder.Field(7).(*array.BinaryBuilder)
	if geom != nil {
		geomCol.Append(geom)
	} else {
		geomCol.AppendNull()
	}
	w.builder.Field(8).(*array.Int32Builder).Append(int32(e.opts.Projection))

	return complete, w.rowDone()
}

// encode projects a geometry to the output projection and returns its WKB
func (e *Exporter) encode(geom orb.Geometry) ([]byte, error) {
	if e.opts.Projection == SRIDWebMercator {
		geom = project.Geometry(geom, project.WGS84.ToMercator)
	}
	return wkb.Marshal(geom)
}
