package grid

import (
	"github.com/paulmach/osm"

	"github.com/wegman-software/osm-roadgrid/internal/roadclass"
)

// Way is an ordered path over node ids. Ways are immutable once indexed.
type Way struct {
	ID      int64
	Tags    osm.Tags
	Class   roadclass.Class
	NodeIDs []int64

	maxSpeed    uint8
	hasMaxSpeed bool
}

// NewWay builds a way from a decoded record: the road class and explicit
// max speed come from the tags, the node list is kept verbatim.
func NewWay(w *osm.Way) *Way {
	class, speed, ok := roadclass.Classify(w.Tags)

	var nodeIDs []int64
	if len(w.Nodes) > 0 {
		nodeIDs = make([]int64, len(w.Nodes))
		for i, n := range w.Nodes {
			nodeIDs[i] = int64(n.ID)
		}
	}

	return &Way{
		ID:          int64(w.ID),
		Tags:        normalizeTags(w.Tags),
		Class:       class,
		NodeIDs:     nodeIDs,
		maxSpeed:    speed,
		hasMaxSpeed: ok,
	}
}

// MaxSpeed returns the explicitly tagged max speed
func (w *Way) MaxSpeed() (uint8, bool) {
	return w.maxSpeed, w.hasMaxSpeed
}

// Degenerate reports a way with fewer than two node references
func (w *Way) Degenerate() bool {
	return len(w.NodeIDs) < 2
}

// Closed reports whether the way ends where it starts
func (w *Way) Closed() bool {
	return len(w.NodeIDs) >= 3 && w.NodeIDs[0] == w.NodeIDs[len(w.NodeIDs)-1]
}

// distinctNodes returns the referenced node ids without repetitions, in first-seen order
func (w *Way) distinctNodes() []int64 {
	seen := make(map[int64]struct{}, len(w.NodeIDs))
	out := make([]int64, 0, len(w.NodeIDs))
	for _, id := range w.NodeIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
