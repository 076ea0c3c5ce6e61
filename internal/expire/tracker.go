package expire

import (
	"bufio"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/wegman-software/osm-roadgrid/internal/grid"
	"github.com/wegman-software/osm-roadgrid/internal/logger"
)

// Tracker collects the cells touched by a set of changes
type Tracker struct {
	mu         sync.Mutex
	resolution float64
	cells      map[grid.CellCoord]struct{}
}

// NewTracker creates a tracker for a grid of the given resolution
func NewTracker(resolution float64) *Tracker {
	return &Tracker{
		resolution: resolution,
		cells:      make(map[grid.CellCoord]struct{}),
	}
}

// Touch marks a cell as changed. A nil tracker ignores the call.
func (t *Tracker) Touch(c grid.CellCoord) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.cells[c] = struct{}{}
	t.mu.Unlock()
}

// Count returns the number of touched cells
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cells)
}

// Cells returns the touched cells ordered by latitude then longitude
func (t *Tracker) Cells() []grid.CellCoord {
	t.mu.Lock()
	out := make([]grid.CellCoord, 0, len(t.cells))
	for c := range t.cells {
		out = append(out, c)
	}
	t.mu.Unlock()

	sortCells(out)
	return out
}

// Clear forgets all touched cells
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cells = make(map[grid.CellCoord]struct{})
}

// WriteToFile writes one "lat,lon" cell key per line
func (t *Tracker) WriteToFile(filename string) error {
	log := logger.Get()

	cells := t.Cells()
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create expire file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, c := range cells {
		fmt.Fprintln(w, c.String())
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write expire file: %w", err)
	}

	log.Info("Wrote expired cells", zap.String("file", filename), zap.Int("cells", len(cells)))
	return nil
}
