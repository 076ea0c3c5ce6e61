package osc

import (
	"context"
	"fmt"

	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/osm-roadgrid/internal/expire"
	"github.com/wegman-software/osm-roadgrid/internal/filter"
	"github.com/wegman-software/osm-roadgrid/internal/grid"
	"github.com/wegman-software/osm-roadgrid/internal/logger"
)

// Applier replays parsed changes onto a grid in file order
type Applier struct {
	grid    *grid.Grid
	filter  *filter.Filter
	tracker *expire.Tracker
}

// NewApplier creates an applier. filter and tracker may be nil.
func NewApplier(g *grid.Grid, f *filter.Filter, tracker *expire.Tracker) *Applier {
	return &Applier{grid: g, filter: f, tracker: tracker}
}

// Apply consumes changes until the channel closes, then waits for the
// parse error channel
func (a *Applier) Apply(ctx context.Context, changes <-chan Change, errs <-chan error) (*ApplyStats, error) {
	stats := &ApplyStats{}

	for change := range changes {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		a.applyOne(change, stats)
	}

	for err := range errs {
		if err != nil {
			return stats, fmt.Errorf("OSC parsing failed: %w", err)
		}
	}

	if a.tracker != nil {
		stats.CellsTouched = a.tracker.Count()
	}

	logger.Named("osc").Info("Changes applied",
		zap.Int64("nodes_upserted", stats.NodesUpserted),
		zap.Int64("nodes_deleted", stats.NodesDeleted),
		zap.Int64("ways_upserted", stats.WaysUpserted),
		zap.Int64("ways_deleted", stats.WaysDeleted),
		zap.Int64("ways_filtered", stats.WaysFiltered),
		zap.Int64("missing", stats.Missing),
		zap.Int64("relations_skipped", stats.RelationsSkipped),
		zap.Int("cells_touched", stats.CellsTouched))

	return stats, nil
}

func (a *Applier) applyOne(change Change, stats *ApplyStats) {
	switch obj := change.Object.(type) {
	case *osm.Node:
		id := int64(obj.ID)
		a.touchNode(id)
		if change.Action == ActionDelete {
			if a.grid.DeleteNode(id) {
				stats.NodesDeleted++
			} else {
				stats.Missing++
			}
			return
		}
		a.grid.InsertNode(obj)
		a.touchNode(id)
		stats.NodesUpserted++

	case *osm.Way:
		id := int64(obj.ID)
		a.touchWay(id)
		if change.Action == ActionDelete {
			if a.grid.DeleteWay(id) {
				stats.WaysDeleted++
			} else {
				stats.Missing++
			}
			return
		}
		if !a.filter.MatchWay(obj) {
			a.grid.DeleteWay(id)
			stats.WaysFiltered++
			return
		}
		a.grid.InsertWay(obj)
		a.touchWay(id)
		stats.WaysUpserted++

	case *osm.Relation:
		stats.RelationsSkipped++
	}
}

func (a *Applier) touchNode(id int64) {
	if a.tracker == nil {
		return
	}
	if c, ok := a.grid.NodeCell(id); ok {
		a.tracker.Touch(c)
	}
}

func (a *Applier) touchWay(id int64) {
	if a.tracker == nil {
		return
	}
	w, ok := a.grid.Way(id)
	if !ok {
		return
	}
	for _, nodeID := range w.NodeIDs {
		a.touchNode(nodeID)
	}
}
