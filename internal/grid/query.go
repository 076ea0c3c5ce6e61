package grid

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// Neighbor is a node found by a proximity search with its great-circle
// distance in meters
type Neighbor struct {
	Node     Node
	Distance float64
}

// NodesInBound returns the nodes located inside the bound ordered by id
func (g *Grid) NodesInBound(b orb.Bound) []Node {
	lo := g.CellCoordinate(b.Min.Lat(), b.Min.Lon())
	hi := g.CellCoordinate(b.Max.Lat(), b.Max.Lon())

	var out []Node
	for _, coord := range g.cellsInRange(lo, hi) {
		c, ok := g.Cell(coord)
		if !ok {
			continue
		}
		for _, n := range c.Nodes() {
			if b.Contains(n.Point()) {
				out = append(out, n)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// cellsInRange lists existing cells with lo <= coord <= hi on both axes,
// in no particular order
func (g *Grid) cellsInRange(lo, hi CellCoord) []CellCoord {
	g.cellsMu.RLock()
	defer g.cellsMu.RUnlock()

	area := (int64(hi.Lat) - int64(lo.Lat) + 1) * (int64(hi.Lon) - int64(lo.Lon) + 1)
	var out []CellCoord
	if area > 0 && area <= int64(len(g.cells)) {
		for lat := int64(lo.Lat); lat <= int64(hi.Lat); lat++ {
			for lon := int64(lo.Lon); lon <= int64(hi.Lon); lon++ {
				coord := CellCoord{Lat: int32(lat), Lon: int32(lon)}
				if _, ok := g.cells[coord]; ok {
					out = append(out, coord)
				}
			}
		}
		return out
	}

	for coord := range g.cells {
		if coord.Lat >= lo.Lat && coord.Lat <= hi.Lat && coord.Lon >= lo.Lon && coord.Lon <= hi.Lon {
			out = append(out, coord)
		}
	}
	return out
}

// Nearest returns up to k nodes closest to p, ordered by distance then id.
// Cells are searched in rings around the cell of p until the k-th best
// distance is below the shortest distance any unsearched cell can have.
func (g *Grid) Nearest(p orb.Point, k int) []Neighbor {
	if k <= 0 || g.NodeCount() == 0 {
		return nil
	}

	center := g.CellCoordinate(p.Lat(), p.Lon())
	maxRing := g.maxRing(center)

	var found []Neighbor
	for ring := int64(0); ring <= maxRing; ring++ {
		for _, coord := range ringCoords(center, ring) {
			c, ok := g.Cell(coord)
			if !ok {
				continue
			}
			for _, n := range c.Nodes() {
				found = append(found, Neighbor{Node: n, Distance: geo.DistanceHaversine(p, n.Point())})
			}
		}

		if len(found) < k {
			continue
		}
		sortNeighbors(found)
		found = found[:k]
		if g.ringGap(p, center, ring) > found[k-1].Distance {
			break
		}
	}

	sortNeighbors(found)
	if len(found) > k {
		found = found[:k]
	}
	return found
}

func sortNeighbors(ns []Neighbor) {
	sort.Slice(ns, func(i, j int) bool {
		if ns[i].Distance != ns[j].Distance {
			return ns[i].Distance < ns[j].Distance
		}
		return ns[i].Node.ID < ns[j].Node.ID
	})
}

// ringGap is a lower bound in meters on the distance from p to any point
// outside the square of cells within ring of center. Latitude edges are
// bounded by the meridian arc, longitude edges by the cross-track distance
// to their meridian great circle.
func (g *Grid) ringGap(p orb.Point, center CellCoord, ring int64) float64 {
	lo := clampCoord(int64(center.Lat)-ring, int64(center.Lon)-ring)
	hi := clampCoord(int64(center.Lat)+ring, int64(center.Lon)+ring)
	box := lo.Bound(g.resolution).Union(hi.Bound(g.resolution))

	gap := math.Min(p.Lat()-box.Min.Lat(), box.Max.Lat()-p.Lat()) * math.Pi / 180
	cosLat := math.Abs(math.Cos(p.Lat() * math.Pi / 180))
	for _, edge := range []float64{box.Min.Lon(), box.Max.Lon()} {
		dLon := math.Abs(p.Lon()-edge) * math.Pi / 180
		cross := math.Asin(math.Min(1, math.Abs(math.Sin(dLon))*cosLat))
		gap = math.Min(gap, cross)
	}
	return math.Max(gap, 0) * orb.EarthRadius
}

func clampCoord(lat, lon int64) CellCoord {
	clamp := func(v int64) int32 {
		return int32(max(math.MinInt32, min(v, math.MaxInt32)))
	}
	return CellCoord{Lat: clamp(lat), Lon: clamp(lon)}
}

// maxRing is the ring distance from center to the farthest existing cell
func (g *Grid) maxRing(center CellCoord) int64 {
	g.cellsMu.RLock()
	defer g.cellsMu.RUnlock()

	var farthest int64
	for coord := range g.cells {
		d := abs64(int64(coord.Lat) - int64(center.Lat))
		if dl := abs64(int64(coord.Lon) - int64(center.Lon)); dl > d {
			d = dl
		}
		if d > farthest {
			farthest = d
		}
	}
	return farthest
}

// ringCoords lists the cell keys at Chebyshev distance ring from center
func ringCoords(center CellCoord, ring int64) []CellCoord {
	if ring == 0 {
		return []CellCoord{center}
	}

	var out []CellCoord
	add := func(lat, lon int64) {
		if lat < -1<<31 || lat > 1<<31-1 || lon < -1<<31 || lon > 1<<31-1 {
			return
		}
		out = append(out, CellCoord{Lat: int32(lat), Lon: int32(lon)})
	}

	cLat, cLon := int64(center.Lat), int64(center.Lon)
	for d := -ring; d <= ring; d++ {
		add(cLat-ring, cLon+d)
		add(cLat+ring, cLon+d)
	}
	for d := -ring + 1; d <= ring-1; d++ {
		add(cLat+d, cLon-ring)
		add(cLat+d, cLon+ring)
	}
	return out
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// WayGeometry resolves the node coordinates of a way in traversal order.
// missing lists the referenced node ids that are not indexed; the line
// only contains the resolved points.
func (g *Grid) WayGeometry(id int64) (line orb.LineString, missing []int64, ok bool) {
	way, ok := g.Way(id)
	if !ok {
		return nil, nil, false
	}

	line = make(orb.LineString, 0, len(way.NodeIDs))
	for _, nodeID := range way.NodeIDs {
		n, found := g.Node(nodeID)
		if !found {
			missing = append(missing, nodeID)
			continue
		}
		line = append(line, n.Point())
	}
	return line, missing, true
}
