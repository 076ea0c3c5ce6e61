package grid

import (
	"errors"
	"fmt"
	"sort"
)

// ErrDanglingRefs is returned in strict mode when ways reference nodes
// that never appeared in the input
var ErrDanglingRefs = errors.New("dangling way references")

// DanglingReport describes way references that could not be resolved at
// the end of a pass
type DanglingReport struct {
	// MissingNodes is the number of distinct node ids referenced but absent
	MissingNodes int
	// UnresolvedRefs counts (node, way) pairs without a node
	UnresolvedRefs int
	// Ways lists the affected way ids in ascending order
	Ways []int64
	// DegenerateWays lists ways with fewer than two node references
	DegenerateWays []int64
}

// Empty reports whether every way reference resolved
func (r DanglingReport) Empty() bool {
	return r.UnresolvedRefs == 0
}

// Err returns ErrDanglingRefs when references are unresolved
func (r DanglingReport) Err() error {
	if r.Empty() {
		return nil
	}
	return fmt.Errorf("%w: %d references to %d missing nodes in %d ways",
		ErrDanglingRefs, r.UnresolvedRefs, r.MissingNodes, len(r.Ways))
}

// Dangling collects the references still waiting for their node
func (g *Grid) Dangling() DanglingReport {
	var report DanglingReport
	ways := make(map[int64]struct{})

	for i := range g.shards {
		s := &g.shards[i]
		s.mu.Lock()
		for _, waiting := range s.pending {
			report.MissingNodes++
			report.UnresolvedRefs += len(waiting)
			for wayID := range waiting {
				ways[wayID] = struct{}{}
			}
		}
		s.mu.Unlock()
	}

	if len(ways) > 0 {
		report.Ways = make([]int64, 0, len(ways))
		for id := range ways {
			report.Ways = append(report.Ways, id)
		}
		sort.Slice(report.Ways, func(i, j int) bool { return report.Ways[i] < report.Ways[j] })
	}

	for _, w := range g.Ways() {
		if w.Degenerate() {
			report.DegenerateWays = append(report.DegenerateWays, w.ID)
		}
	}
	return report
}
