package grid

import (
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
)

// Node is a point of the road network. Coordinates never change once the
// node is indexed; the way back-references are maintained by the Grid.
type Node struct {
	ID   int64
	Lat  float64
	Lon  float64
	Tags osm.Tags

	wayRefs map[int64]struct{}
}

func newNode(n *osm.Node) *Node {
	return &Node{
		ID:   int64(n.ID),
		Lat:  n.Lat,
		Lon:  n.Lon,
		Tags: normalizeTags(n.Tags),
	}
}

// Point returns the node location as lon/lat
func (n Node) Point() orb.Point {
	return orb.Point{n.Lon, n.Lat}
}

// WayRefs returns the ids of the ways using this node in ascending order
func (n Node) WayRefs() []int64 {
	if len(n.wayRefs) == 0 {
		return nil
	}
	refs := make([]int64, 0, len(n.wayRefs))
	for id := range n.wayRefs {
		refs = append(refs, id)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
	return refs
}

// HasWayRef reports whether the way references this node
func (n Node) HasWayRef(wayID int64) bool {
	_, ok := n.wayRefs[wayID]
	return ok
}

func (n *Node) addRef(wayID int64) {
	if n.wayRefs == nil {
		n.wayRefs = make(map[int64]struct{}, 1)
	}
	n.wayRefs[wayID] = struct{}{}
}

func (n *Node) removeRef(wayID int64) {
	delete(n.wayRefs, wayID)
	if len(n.wayRefs) == 0 {
		n.wayRefs = nil
	}
}

// clone copies the node so it can leave the cell lock
func (n *Node) clone() Node {
	c := *n
	if n.wayRefs != nil {
		c.wayRefs = make(map[int64]struct{}, len(n.wayRefs))
		for id := range n.wayRefs {
			c.wayRefs[id] = struct{}{}
		}
	}
	return c
}

func normalizeTags(tags osm.Tags) osm.Tags {
	if len(tags) == 0 {
		return nil
	}
	out := make(osm.Tags, len(tags))
	copy(out, tags)
	return out
}
