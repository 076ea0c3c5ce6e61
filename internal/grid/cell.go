package grid

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/paulmach/orb"
)

// CellCoord identifies a grid cell: the truncated quotients lat/resolution
// and lon/resolution
type CellCoord struct {
	Lat int32
	Lon int32
}

func (c CellCoord) String() string {
	return fmt.Sprintf("%d,%d", c.Lat, c.Lon)
}

// Bound returns the geographic extent covered by the cell for a resolution.
// Truncation toward zero makes the cells at index 0 twice as wide as the others.
func (c CellCoord) Bound(resolution float64) orb.Bound {
	minLat, maxLat := span(c.Lat, resolution)
	minLon, maxLon := span(c.Lon, resolution)
	return orb.Bound{
		Min: orb.Point{minLon, minLat},
		Max: orb.Point{maxLon, maxLat},
	}
}

func span(k int32, resolution float64) (float64, float64) {
	switch {
	case k > 0:
		return float64(k) * resolution, float64(k+1) * resolution
	case k < 0:
		return float64(k-1) * resolution, float64(k) * resolution
	default:
		return -resolution, resolution
	}
}

// quotient truncates v/resolution toward zero, saturating at the int32 range
func quotient(v, resolution float64) int32 {
	q := math.Trunc(v / resolution)
	switch {
	case math.IsNaN(q):
		return 0
	case q >= math.MaxInt32:
		return math.MaxInt32
	case q <= math.MinInt32:
		return math.MinInt32
	}
	return int32(q)
}

// Cell holds every node whose coordinates fall into one grid square
type Cell struct {
	mu    sync.RWMutex
	coord CellCoord
	nodes map[int64]*Node
}

func newCell(coord CellCoord) *Cell {
	return &Cell{
		coord: coord,
		nodes: make(map[int64]*Node),
	}
}

// Coord returns the cell key
func (c *Cell) Coord() CellCoord {
	return c.coord
}

// Len returns the number of nodes in the cell
func (c *Cell) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.nodes)
}

// Node returns a copy of the node with the given id
func (c *Cell) Node(id int64) (Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

// Nodes returns copies of all nodes in the cell ordered by id
func (c *Cell) Nodes() []Node {
	c.mu.RLock()
	out := make([]Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n.clone())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
