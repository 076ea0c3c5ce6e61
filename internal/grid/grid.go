package grid

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/paulmach/osm"
)

// DefaultResolution is the cell size in degrees
const DefaultResolution = 100.0

const (
	refShards = 64
	wayLocks  = 64
)

var (
	// ErrInvalidResolution is returned for a non-positive or non-finite resolution
	ErrInvalidResolution = errors.New("grid resolution must be a positive finite number")
	// ErrResolutionMismatch is returned when an index was built with another resolution
	ErrResolutionMismatch = errors.New("grid resolution mismatch")
)

// refShard owns the location of its nodes and the ways waiting for nodes
// that have not been seen yet. Lock order is way stripe, shard, cell.
type refShard struct {
	mu      sync.Mutex
	located map[int64]CellCoord
	pending map[int64]map[int64]struct{}
}

// Grid partitions nodes into cells and holds all ways by id.
//
// Inserts are safe for concurrent use. Cells and the ways map lock
// independently, node bookkeeping is striped by node id, so disjoint
// cells and ways are mutated in parallel. Each Insert is atomic for the
// structures it touches.
type Grid struct {
	resolution float64

	cellsMu sync.RWMutex
	cells   map[CellCoord]*Cell

	waysMu sync.RWMutex
	ways   map[int64]*Way
	// serializes updates of the same way id so its refs match the stored version
	wayMu [wayLocks]sync.Mutex

	shards    [refShards]refShard
	nodeCount atomic.Int64
}

// New creates an empty grid
func New(resolution float64) (*Grid, error) {
	if err := ValidateResolution(resolution); err != nil {
		return nil, err
	}

	g := &Grid{
		resolution: resolution,
		cells:      make(map[CellCoord]*Cell),
		ways:       make(map[int64]*Way),
	}
	for i := range g.shards {
		g.shards[i].located = make(map[int64]CellCoord)
		g.shards[i].pending = make(map[int64]map[int64]struct{})
	}
	return g, nil
}

// ValidateResolution checks that a resolution can partition coordinates
func ValidateResolution(resolution float64) error {
	if resolution <= 0 || math.IsNaN(resolution) || math.IsInf(resolution, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidResolution, resolution)
	}
	return nil
}

// Resolution returns the cell size
func (g *Grid) Resolution() float64 {
	return g.resolution
}

// CheckResolution fails when the grid was built with another resolution
func (g *Grid) CheckResolution(resolution float64) error {
	if g.resolution != resolution {
		return fmt.Errorf("%w: index uses %v, configured %v", ErrResolutionMismatch, g.resolution, resolution)
	}
	return nil
}

// CellCoordinate maps a coordinate to its cell key. It never fails:
// out-of-range coordinates still land in a deterministic cell.
func (g *Grid) CellCoordinate(lat, lon float64) CellCoord {
	return CellCoord{
		Lat: quotient(lat, g.resolution),
		Lon: quotient(lon, g.resolution),
	}
}

// Insert indexes a decoded element. Nodes go to their cell, ways to the
// ways map with back-references registered on their nodes. Any other
// element type is ignored.
func (g *Grid) Insert(element osm.Object) {
	switch e := element.(type) {
	case *osm.Node:
		g.InsertNode(e)
	case *osm.Way:
		g.InsertWay(e)
	}
}

// InsertNode upserts a node into its cell. A node with the same id is
// replaced; its way back-references carry over.
func (g *Grid) InsertNode(n *osm.Node) {
	node := newNode(n)
	coord := g.CellCoordinate(node.Lat, node.Lon)

	s := g.shard(node.ID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.located[node.ID]; ok {
		old := g.cellAt(prev)
		old.mu.Lock()
		if existing := old.nodes[node.ID]; existing != nil {
			node.wayRefs = existing.wayRefs
		}
		delete(old.nodes, node.ID)
		old.mu.Unlock()
	} else {
		g.nodeCount.Add(1)
	}

	// drain the ways that arrived before this node
	if waiting, ok := s.pending[node.ID]; ok {
		for wayID := range waiting {
			node.addRef(wayID)
		}
		delete(s.pending, node.ID)
	}

	s.located[node.ID] = coord
	c := g.cellFor(coord)
	c.mu.Lock()
	c.nodes[node.ID] = node
	c.mu.Unlock()
}

// InsertWay upserts a way. Replacing a way drops the back-references of
// the previous version before registering the new ones.
func (g *Grid) InsertWay(w *osm.Way) {
	g.putWay(NewWay(w))
}

func (g *Grid) putWay(way *Way) {
	l := g.wayLock(way.ID)
	l.Lock()
	defer l.Unlock()

	g.waysMu.Lock()
	prev := g.ways[way.ID]
	g.ways[way.ID] = way
	g.waysMu.Unlock()

	if prev != nil {
		g.unlink(prev)
	}
	g.link(way)
}

// DeleteNode removes a node. Ways still referencing it become dangling
// until the node is inserted again.
func (g *Grid) DeleteNode(id int64) bool {
	s := g.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	coord, ok := s.located[id]
	if !ok {
		return false
	}
	delete(s.located, id)
	g.nodeCount.Add(-1)

	c := g.cellAt(coord)
	c.mu.Lock()
	node := c.nodes[id]
	delete(c.nodes, id)
	c.mu.Unlock()

	if node != nil && len(node.wayRefs) > 0 {
		s.pending[id] = node.wayRefs
	}
	return true
}

// DeleteWay removes a way and its back-references
func (g *Grid) DeleteWay(id int64) bool {
	l := g.wayLock(id)
	l.Lock()
	defer l.Unlock()

	g.waysMu.Lock()
	way, ok := g.ways[id]
	delete(g.ways, id)
	g.waysMu.Unlock()

	if !ok {
		return false
	}
	g.unlink(way)
	return true
}

func (g *Grid) link(way *Way) {
	for _, nodeID := range way.distinctNodes() {
		g.addRef(nodeID, way.ID)
	}
}

func (g *Grid) unlink(way *Way) {
	for _, nodeID := range way.distinctNodes() {
		g.removeRef(nodeID, way.ID)
	}
}

func (g *Grid) addRef(nodeID, wayID int64) {
	s := g.shard(nodeID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if coord, ok := s.located[nodeID]; ok {
		c := g.cellAt(coord)
		c.mu.Lock()
		c.nodes[nodeID].addRef(wayID)
		c.mu.Unlock()
		return
	}

	waiting := s.pending[nodeID]
	if waiting == nil {
		waiting = make(map[int64]struct{}, 1)
		s.pending[nodeID] = waiting
	}
	waiting[wayID] = struct{}{}
}

func (g *Grid) removeRef(nodeID, wayID int64) {
	s := g.shard(nodeID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if coord, ok := s.located[nodeID]; ok {
		c := g.cellAt(coord)
		c.mu.Lock()
		c.nodes[nodeID].removeRef(wayID)
		c.mu.Unlock()
		return
	}

	if waiting, ok := s.pending[nodeID]; ok {
		delete(waiting, wayID)
		if len(waiting) == 0 {
			delete(s.pending, nodeID)
		}
	}
}

func (g *Grid) wayLock(wayID int64) *sync.Mutex {
	return &g.wayMu[uint64(wayID)%wayLocks]
}

func (g *Grid) shard(nodeID int64) *refShard {
	return &g.shards[uint64(nodeID)%refShards]
}

// cellFor returns the cell for a coordinate, creating it on first use
func (g *Grid) cellFor(coord CellCoord) *Cell {
	g.cellsMu.RLock()
	c, ok := g.cells[coord]
	g.cellsMu.RUnlock()
	if ok {
		return c
	}

	g.cellsMu.Lock()
	defer g.cellsMu.Unlock()
	if c, ok = g.cells[coord]; !ok {
		c = newCell(coord)
		g.cells[coord] = c
	}
	return c
}

// cellAt returns a cell known to exist because a node is located in it
func (g *Grid) cellAt(coord CellCoord) *Cell {
	g.cellsMu.RLock()
	defer g.cellsMu.RUnlock()
	return g.cells[coord]
}

// Node returns a copy of an indexed node
func (g *Grid) Node(id int64) (Node, bool) {
	s := g.shard(id)
	s.mu.Lock()
	coord, ok := s.located[id]
	s.mu.Unlock()
	if !ok {
		return Node{}, false
	}

	c, ok := g.Cell(coord)
	if !ok {
		return Node{}, false
	}
	return c.Node(id)
}

// NodeCell returns the cell coordinate a node is stored under
func (g *Grid) NodeCell(id int64) (CellCoord, bool) {
	s := g.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	coord, ok := s.located[id]
	return coord, ok
}

// Way returns an indexed way
func (g *Grid) Way(id int64) (*Way, bool) {
	g.waysMu.RLock()
	defer g.waysMu.RUnlock()
	w, ok := g.ways[id]
	return w, ok
}

// Ways returns all ways ordered by id
func (g *Grid) Ways() []*Way {
	g.waysMu.RLock()
	out := make([]*Way, 0, len(g.ways))
	for _, w := range g.ways {
		out = append(out, w)
	}
	g.waysMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Cell returns the cell for a coordinate key
func (g *Grid) Cell(coord CellCoord) (*Cell, bool) {
	g.cellsMu.RLock()
	defer g.cellsMu.RUnlock()
	c, ok := g.cells[coord]
	return c, ok
}

// Cells returns all cell keys in ascending (lat, lon) order
func (g *Grid) Cells() []CellCoord {
	g.cellsMu.RLock()
	out := make([]CellCoord, 0, len(g.cells))
	for coord := range g.cells {
		out = append(out, coord)
	}
	g.cellsMu.RUnlock()

	sortCoords(out)
	return out
}

// CellCount returns the number of cells
func (g *Grid) CellCount() int {
	g.cellsMu.RLock()
	defer g.cellsMu.RUnlock()
	return len(g.cells)
}

// NodeCount returns the number of indexed nodes
func (g *Grid) NodeCount() int64 {
	return g.nodeCount.Load()
}

// WayCount returns the number of indexed ways
func (g *Grid) WayCount() int {
	g.waysMu.RLock()
	defer g.waysMu.RUnlock()
	return len(g.ways)
}

func sortCoords(coords []CellCoord) {
	sort.Slice(coords, func(i, j int) bool {
		if coords[i].Lat != coords[j].Lat {
			return coords[i].Lat < coords[j].Lat
		}
		return coords[i].Lon < coords[j].Lon
	})
}
