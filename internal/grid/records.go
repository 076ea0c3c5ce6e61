package grid

import (
	"errors"
	"fmt"
	"sort"

	"github.com/paulmach/osm"

	"github.com/wegman-software/osm-roadgrid/internal/roadclass"
)

// ErrCorruptSnapshot is returned when persisted grid state fails validation
var ErrCorruptSnapshot = errors.New("corrupt grid snapshot")

// NodeRecord is the persisted form of a node
type NodeRecord struct {
	ID      int64    `msgpack:"id"`
	Lat     float64  `msgpack:"lat"`
	Lon     float64  `msgpack:"lon"`
	Tags    osm.Tags `msgpack:"tags"`
	WayRefs []int64  `msgpack:"refs"`
}

// CellRecord is the persisted form of a cell, nodes ordered by id
type CellRecord struct {
	Lat   int32        `msgpack:"lat"`
	Lon   int32        `msgpack:"lon"`
	Nodes []NodeRecord `msgpack:"nodes"`
}

// Coord returns the cell key of the record
func (r CellRecord) Coord() CellCoord {
	return CellCoord{Lat: r.Lat, Lon: r.Lon}
}

// WayRecord is the persisted form of a way
type WayRecord struct {
	ID          int64    `msgpack:"id"`
	Tags        osm.Tags `msgpack:"tags"`
	Class       uint8    `msgpack:"class"`
	NodeIDs     []int64  `msgpack:"nodes"`
	MaxSpeed    uint8    `msgpack:"maxspeed"`
	HasMaxSpeed bool     `msgpack:"has_maxspeed"`
}

// Record converts a node to its persisted form
func (n Node) Record() NodeRecord {
	return NodeRecord{
		ID:      n.ID,
		Lat:     n.Lat,
		Lon:     n.Lon,
		Tags:    n.Tags,
		WayRefs: n.WayRefs(),
	}
}

// Record converts a way to its persisted form
func (w *Way) Record() WayRecord {
	return WayRecord{
		ID:          w.ID,
		Tags:        w.Tags,
		Class:       uint8(w.Class),
		NodeIDs:     w.NodeIDs,
		MaxSpeed:    w.maxSpeed,
		HasMaxSpeed: w.hasMaxSpeed,
	}
}

// CellRecord returns the persisted form of one cell
func (g *Grid) CellRecord(coord CellCoord) (CellRecord, bool) {
	c, ok := g.Cell(coord)
	if !ok {
		return CellRecord{}, false
	}
	rec := CellRecord{Lat: coord.Lat, Lon: coord.Lon}
	nodes := c.Nodes()
	if len(nodes) > 0 {
		rec.Nodes = make([]NodeRecord, len(nodes))
		for i, n := range nodes {
			rec.Nodes[i] = n.Record()
		}
	}
	return rec, true
}

// Records returns the full grid state in canonical order: cells by
// coordinate, nodes and ways by id
func (g *Grid) Records() ([]CellRecord, []WayRecord) {
	coords := g.Cells()
	cells := make([]CellRecord, 0, len(coords))
	for _, coord := range coords {
		if rec, ok := g.CellRecord(coord); ok {
			cells = append(cells, rec)
		}
	}

	ways := g.Ways()
	wayRecs := make([]WayRecord, len(ways))
	for i, w := range ways {
		wayRecs[i] = w.Record()
	}
	return cells, wayRecs
}

// FromRecords rebuilds a grid from persisted state. Back-references are
// recomputed from the ways and must match the stored ones exactly.
func FromRecords(resolution float64, cells []CellRecord, ways []WayRecord) (*Grid, error) {
	g, err := New(resolution)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}

	for _, rec := range cells {
		coord := rec.Coord()
		if _, dup := g.cells[coord]; dup {
			return nil, fmt.Errorf("%w: cell %v stored twice", ErrCorruptSnapshot, coord)
		}
		c := newCell(coord)
		g.cells[coord] = c

		for _, nr := range rec.Nodes {
			if want := g.CellCoordinate(nr.Lat, nr.Lon); want != coord {
				return nil, fmt.Errorf("%w: node %d stored in cell %v but belongs to %v",
					ErrCorruptSnapshot, nr.ID, coord, want)
			}
			s := g.shard(nr.ID)
			if _, dup := s.located[nr.ID]; dup {
				return nil, fmt.Errorf("%w: node %d stored twice", ErrCorruptSnapshot, nr.ID)
			}
			s.located[nr.ID] = coord
			c.nodes[nr.ID] = &Node{
				ID:   nr.ID,
				Lat:  nr.Lat,
				Lon:  nr.Lon,
				Tags: normalizeTags(nr.Tags),
			}
			g.nodeCount.Add(1)
		}
	}

	for _, wr := range ways {
		if _, dup := g.ways[wr.ID]; dup {
			return nil, fmt.Errorf("%w: way %d stored twice", ErrCorruptSnapshot, wr.ID)
		}
		class := roadclass.Class(wr.Class)
		if class != roadclass.None && class != roadclass.Unrecognized && !class.Typed() {
			return nil, fmt.Errorf("%w: way %d has unknown road class %d", ErrCorruptSnapshot, wr.ID, wr.Class)
		}
		var nodeIDs []int64
		if len(wr.NodeIDs) > 0 {
			nodeIDs = wr.NodeIDs
		}
		way := &Way{
			ID:          wr.ID,
			Tags:        normalizeTags(wr.Tags),
			Class:       class,
			NodeIDs:     nodeIDs,
			maxSpeed:    wr.MaxSpeed,
			hasMaxSpeed: wr.HasMaxSpeed,
		}
		g.ways[way.ID] = way
		g.link(way)
	}

	for _, rec := range cells {
		c := g.cells[rec.Coord()]
		for _, nr := range rec.Nodes {
			if !sameRefs(c.nodes[nr.ID].WayRefs(), nr.WayRefs) {
				return nil, fmt.Errorf("%w: node %d way references do not match its ways", ErrCorruptSnapshot, nr.ID)
			}
		}
	}

	return g, nil
}

func sameRefs(computed, stored []int64) bool {
	if len(computed) != len(stored) {
		return false
	}
	sorted := append([]int64(nil), stored...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for i := range computed {
		if computed[i] != sorted[i] {
			return false
		}
	}
	return true
}
