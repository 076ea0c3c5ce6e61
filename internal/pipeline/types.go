package pipeline

import (
	"time"

	"github.com/wegman-software/osm-roadgrid/internal/grid"
	"github.com/wegman-software/osm-roadgrid/internal/source"
)

// IngestStats holds the statistics of one ingest pass
type IngestStats struct {
	Read source.Stats

	NodesInserted int64
	WaysInserted  int64
	// WaysFiltered counts ways rejected by the way filter
	WaysFiltered int64
	// NodesOutside counts nodes dropped by the bbox
	NodesOutside int64

	Cells int
	Nodes int64
	Ways  int

	Dangling grid.DanglingReport
	Duration time.Duration
}
