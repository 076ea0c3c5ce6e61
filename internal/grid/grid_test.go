package grid

import (
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/osm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/osm-roadgrid/internal/roadclass"
)

func testNode(id int64, lat, lon float64, tags ...osm.Tag) *osm.Node {
	return &osm.Node{ID: osm.NodeID(id), Lat: lat, Lon: lon, Tags: tags}
}

func testWay(id int64, nodeIDs []int64, tags ...osm.Tag) *osm.Way {
	nodes := make(osm.WayNodes, len(nodeIDs))
	for i, n := range nodeIDs {
		nodes[i] = osm.WayNode{ID: osm.NodeID(n)}
	}
	return &osm.Way{ID: osm.WayID(id), Nodes: nodes, Tags: tags}
}

func newTestGrid(t *testing.T, resolution float64) *Grid {
	t.Helper()
	g, err := New(resolution)
	require.NoError(t, err)
	return g
}

// assertRefsExact checks that every indexed node lists exactly the indexed
// ways that reference it
func assertRefsExact(t *testing.T, g *Grid) {
	t.Helper()

	want := make(map[int64]map[int64]struct{})
	for _, w := range g.Ways() {
		for _, n := range w.NodeIDs {
			if want[n] == nil {
				want[n] = make(map[int64]struct{})
			}
			want[n][w.ID] = struct{}{}
		}
	}

	for _, coord := range g.Cells() {
		c, _ := g.Cell(coord)
		for _, n := range c.Nodes() {
			var expected []int64
			for wayID := range want[n.ID] {
				expected = append(expected, wayID)
			}
			assert.ElementsMatch(t, expected, n.WayRefs(), "node %d", n.ID)
		}
	}
}

func TestNewRejectsBadResolution(t *testing.T) {
	for _, res := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		_, err := New(res)
		assert.ErrorIs(t, err, ErrInvalidResolution, "resolution %v", res)
	}
}

func TestCellCoordinate(t *testing.T) {
	tests := []struct {
		name       string
		resolution float64
		lat, lon   float64
		want       CellCoord
	}{
		{"detroit coarse", 100, 42.3, -83.1, CellCoord{0, 0}},
		{"antimeridian coarse", 100, 10, 179.9, CellCoord{0, 1}},
		{"exact boundary", 100, 100, -200, CellCoord{1, -2}},
		{"detroit fine", 0.01, 42.3, -83.1, CellCoord{4230, -8310}},
		{"negative truncates toward zero", 1, -0.5, -1.5, CellCoord{0, -1}},
		{"positive truncates toward zero", 1, 0.5, 1.5, CellCoord{0, 1}},
		{"out of range still buckets", 1, 1000, -1000, CellCoord{1000, -1000}},
		{"saturates", 1e-300, 1, -1, CellCoord{math.MaxInt32, math.MinInt32}},
		{"nan", 1, math.NaN(), 3, CellCoord{0, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGrid(t, tt.resolution)
			got := g.CellCoordinate(tt.lat, tt.lon)
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
			if again := g.CellCoordinate(tt.lat, tt.lon); again != got {
				t.Errorf("expected deterministic result %v, got %v", got, again)
			}
		})
	}
}

func TestSameCellIffEqualQuotients(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, res := range []float64{100, 1, 0.25, 0.01} {
		g := newTestGrid(t, res)
		for i := 0; i < 2000; i++ {
			lat1, lon1 := rng.Float64()*180-90, rng.Float64()*360-180
			lat2, lon2 := rng.Float64()*180-90, rng.Float64()*360-180
			if i%3 == 0 {
				// nudge the second point close to the first to hit shared cells
				lat2, lon2 = lat1+rng.Float64()*res/4, lon1-rng.Float64()*res/4
			}

			sameQuotient := math.Trunc(lat1/res) == math.Trunc(lat2/res) &&
				math.Trunc(lon1/res) == math.Trunc(lon2/res)
			sameCell := g.CellCoordinate(lat1, lon1) == g.CellCoordinate(lat2, lon2)
			require.Equal(t, sameQuotient, sameCell, "res %v (%v,%v) (%v,%v)", res, lat1, lon1, lat2, lon2)
		}
	}
}

func TestCellBoundContainsItsPoints(t *testing.T) {
	g := newTestGrid(t, 0.5)
	for _, p := range [][2]float64{{42.3, -83.1}, {-0.2, 0.3}, {0, 0}, {-33.9, 151.2}} {
		coord := g.CellCoordinate(p[0], p[1])
		assert.True(t, coord.Bound(0.5).Contains(orb.Point{p[1], p[0]}), "point %v in %v", p, coord)
	}
}

func TestInsertEndToEnd(t *testing.T) {
	for _, res := range []float64{DefaultResolution, 0.01} {
		g := newTestGrid(t, res)
		g.Insert(testNode(1, 42.3, -83.1))
		g.Insert(testNode(2, 42.31, -83.11))
		g.Insert(testWay(100, []int64{1, 2}, osm.Tag{Key: "highway", Value: "residential"}))

		assert.GreaterOrEqual(t, g.CellCount(), 1)
		assert.LessOrEqual(t, g.CellCount(), 2)
		assert.EqualValues(t, 2, g.NodeCount())

		w, ok := g.Way(100)
		require.True(t, ok)
		assert.Equal(t, roadclass.Residential, w.Class)
		assert.Equal(t, []int64{1, 2}, w.NodeIDs)

		for _, id := range []int64{1, 2} {
			n, ok := g.Node(id)
			require.True(t, ok)
			assert.Equal(t, []int64{100}, n.WayRefs())
		}
		assert.True(t, g.Dangling().Empty())
	}
}

func TestInsertNodeOverwrite(t *testing.T) {
	g := newTestGrid(t, 1)
	g.Insert(testNode(1, 10.5, 20.5, osm.Tag{Key: "name", Value: "a"}))
	g.Insert(testWay(7, []int64{1, 2}))
	g.Insert(testNode(1, 10.5, 20.5, osm.Tag{Key: "name", Value: "b"}))

	assert.EqualValues(t, 1, g.NodeCount())
	c, ok := g.Cell(CellCoord{10, 20})
	require.True(t, ok)
	assert.Equal(t, 1, c.Len())

	n, ok := g.Node(1)
	require.True(t, ok)
	assert.Equal(t, "b", n.Tags.Find("name"))
	assert.Equal(t, []int64{7}, n.WayRefs())
}

func TestInsertNodeMovedCell(t *testing.T) {
	g := newTestGrid(t, 1)
	g.Insert(testNode(1, 10.5, 20.5))
	g.Insert(testWay(7, []int64{1}))
	g.Insert(testNode(1, 11.5, 20.5))

	old, _ := g.Cell(CellCoord{10, 20})
	assert.Equal(t, 0, old.Len())
	coord, ok := g.NodeCell(1)
	require.True(t, ok)
	assert.Equal(t, CellCoord{11, 20}, coord)

	n, _ := g.Node(1)
	assert.Equal(t, []int64{7}, n.WayRefs())
	assert.EqualValues(t, 1, g.NodeCount())
}

func TestInsertIgnoresRelations(t *testing.T) {
	g := newTestGrid(t, 1)
	g.Insert(&osm.Relation{ID: 5, Tags: osm.Tags{{Key: "type", Value: "route"}}})

	assert.Equal(t, 0, g.CellCount())
	assert.Equal(t, 0, g.WayCount())
	assert.EqualValues(t, 0, g.NodeCount())
}

func TestWayClassificationAndSpeed(t *testing.T) {
	g := newTestGrid(t, 1)
	g.Insert(testWay(1, []int64{1, 2}, osm.Tag{Key: "highway", Value: "motorway"}, osm.Tag{Key: "maxspeed", Value: "55"}))
	g.Insert(testWay(2, []int64{1, 2}, osm.Tag{Key: "highway", Value: "bogus_value"}, osm.Tag{Key: "maxspeed", Value: "national"}))
	g.Insert(testWay(3, []int64{1, 2}, osm.Tag{Key: "name", Value: "x"}))
	g.Insert(testWay(4, []int64{1, 2}, osm.Tag{Key: "highway", Value: "primary"}, osm.Tag{Key: "highway", Value: "tertiary"}))

	tests := []struct {
		id        int64
		class     roadclass.Class
		speed     uint8
		speedSet  bool
		tagsCount int
	}{
		{1, roadclass.Motorway, 55, true, 2},
		{2, roadclass.Unrecognized, 0, false, 2},
		{3, roadclass.None, 0, false, 1},
		{4, roadclass.Tertiary, 0, false, 2},
	}
	for _, tt := range tests {
		w, ok := g.Way(tt.id)
		require.True(t, ok)
		assert.Equal(t, tt.class, w.Class, "way %d", tt.id)
		assert.False(t, w.Class == roadclass.Unrecognized && w.Class.Typed())
		speed, set := w.MaxSpeed()
		assert.Equal(t, tt.speed, speed, "way %d", tt.id)
		assert.Equal(t, tt.speedSet, set, "way %d", tt.id)
		assert.Len(t, w.Tags, tt.tagsCount, "tags are kept verbatim")
	}
}

func TestBackRefsWaysBeforeNodes(t *testing.T) {
	g := newTestGrid(t, 0.01)
	// loop way lists node 1 twice
	g.Insert(testWay(10, []int64{1, 2, 3, 1}))
	g.Insert(testWay(11, []int64{3, 4}))

	report := g.Dangling()
	assert.Equal(t, 4, report.MissingNodes)
	assert.Equal(t, 5, report.UnresolvedRefs)
	assert.Equal(t, []int64{10, 11}, report.Ways)
	assert.ErrorIs(t, report.Err(), ErrDanglingRefs)

	g.Insert(testNode(1, 1, 1))
	g.Insert(testNode(2, 1, 1.001))
	g.Insert(testNode(3, 1, 1.002))

	n1, _ := g.Node(1)
	assert.Equal(t, []int64{10}, n1.WayRefs())
	n3, _ := g.Node(3)
	assert.Equal(t, []int64{10, 11}, n3.WayRefs())

	report = g.Dangling()
	assert.Equal(t, 1, report.MissingNodes)
	assert.Equal(t, []int64{11}, report.Ways)

	w, _ := g.Way(10)
	assert.Equal(t, []int64{1, 2, 3, 1}, w.NodeIDs, "node list is kept verbatim")
	assert.True(t, w.Closed())
	assertRefsExact(t, g)
}

func TestWayOverwriteReplacesRefs(t *testing.T) {
	g := newTestGrid(t, 1)
	for i := int64(1); i <= 3; i++ {
		g.Insert(testNode(i, 0.5, float64(i)))
	}
	g.Insert(testWay(20, []int64{1, 2, 9}))
	g.Insert(testWay(20, []int64{2, 3}))

	n1, _ := g.Node(1)
	assert.Empty(t, n1.WayRefs())
	n2, _ := g.Node(2)
	assert.Equal(t, []int64{20}, n2.WayRefs())
	assert.True(t, g.Dangling().Empty(), "pending reference to node 9 is dropped")
	assertRefsExact(t, g)
}

func TestDeleteNodeAndWay(t *testing.T) {
	g := newTestGrid(t, 1)
	g.Insert(testNode(1, 0.5, 0.5))
	g.Insert(testNode(2, 0.5, 0.6))
	g.Insert(testWay(30, []int64{1, 2}))

	assert.True(t, g.DeleteNode(2))
	assert.False(t, g.DeleteNode(2))
	assert.EqualValues(t, 1, g.NodeCount())
	assert.Equal(t, []int64{30}, g.Dangling().Ways)

	g.Insert(testNode(2, 0.5, 0.6))
	n2, _ := g.Node(2)
	assert.Equal(t, []int64{30}, n2.WayRefs())

	assert.True(t, g.DeleteWay(30))
	assert.False(t, g.DeleteWay(30))
	n1, _ := g.Node(1)
	assert.Empty(t, n1.WayRefs())
	assert.True(t, g.Dangling().Empty())
}

func TestDegenerateWayReported(t *testing.T) {
	g := newTestGrid(t, 1)
	g.Insert(testNode(1, 0, 0))
	g.Insert(testWay(40, []int64{1}))
	g.Insert(testWay(41, nil))

	report := g.Dangling()
	assert.True(t, report.Empty())
	assert.NoError(t, report.Err())
	assert.Equal(t, []int64{40, 41}, report.DegenerateWays)
	assert.Equal(t, 2, g.WayCount())
}

func TestConcurrentInsertAnyOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	var elements []osm.Object
	for i := int64(1); i <= 2000; i++ {
		elements = append(elements, testNode(i, rng.Float64()*4-2, rng.Float64()*4-2))
	}
	for i := int64(1); i <= 800; i++ {
		n := 2 + rng.Intn(6)
		ids := make([]int64, n)
		for j := range ids {
			// a few references point past the node range and stay dangling
			ids[j] = 1 + rng.Int63n(2050)
		}
		elements = append(elements, testWay(10000+i, ids, osm.Tag{Key: "highway", Value: "residential"}))
	}
	rng.Shuffle(len(elements), func(i, j int) { elements[i], elements[j] = elements[j], elements[i] })

	g := newTestGrid(t, 0.5)
	const workers = 8
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			for i := offset; i < len(elements); i += workers {
				g.Insert(elements[i])
			}
		}(w)
	}
	wg.Wait()

	assert.EqualValues(t, 2000, g.NodeCount())
	assert.Equal(t, 800, g.WayCount())
	assertRefsExact(t, g)

	for _, id := range g.Dangling().Ways {
		w, _ := g.Way(id)
		hasMissing := false
		for _, n := range w.NodeIDs {
			if n > 2000 {
				hasMissing = true
			}
		}
		assert.True(t, hasMissing, "way %d reported dangling", id)
	}
}

func TestConcurrentWayRewrites(t *testing.T) {
	g := newTestGrid(t, 1)
	for i := int64(1); i <= 20; i++ {
		g.Insert(testNode(i, float64(i)/10, 0))
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				start := 1 + rng.Int63n(18)
				g.Insert(testWay(7, []int64{start, start + 1, start + 2}))
				if rng.Intn(10) == 0 {
					g.DeleteWay(7)
				}
			}
		}(int64(w))
	}
	wg.Wait()

	assertRefsExact(t, g)
	assert.True(t, g.Dangling().Empty())
}

func TestNodesInBound(t *testing.T) {
	g := newTestGrid(t, 1)
	g.Insert(testNode(1, 0.5, 0.5))
	g.Insert(testNode(2, 1.5, 1.5))
	g.Insert(testNode(3, 2.5, 2.5))
	g.Insert(testNode(4, -0.5, 0.5))

	got := g.NodesInBound(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{2, 2}})
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, int64(2), got[1].ID)

	assert.Empty(t, g.NodesInBound(orb.Bound{Min: orb.Point{50, 50}, Max: orb.Point{51, 51}}))
}

func TestNearest(t *testing.T) {
	g := newTestGrid(t, 0.01)
	g.Insert(testNode(1, 42.3000, -83.1000))
	g.Insert(testNode(2, 42.3010, -83.1010))
	g.Insert(testNode(3, 42.3100, -83.1100))
	// across a cell border from the query point
	g.Insert(testNode(4, 42.2999, -83.1000))

	got := g.Nearest(orb.Point{-83.1000, 42.30005}, 2)
	require.Len(t, got, 2)
	assert.ElementsMatch(t, []int64{1, 4}, []int64{got[0].Node.ID, got[1].Node.ID})
	assert.LessOrEqual(t, got[0].Distance, got[1].Distance)

	all := g.Nearest(orb.Point{-83.1, 42.3}, 10)
	assert.Len(t, all, 4)
	assert.Equal(t, int64(3), all[3].Node.ID)
	assert.Nil(t, g.Nearest(orb.Point{0, 0}, 0))
}

func TestNearestSearchesPastFirstHit(t *testing.T) {
	g := newTestGrid(t, 1)
	g.Insert(testNode(1, 10.0, 10.0))
	// two rings away from the query cell but closer than node 1
	g.Insert(testNode(2, 12.0, 10.99))

	query := orb.Point{10.99, 10.99}
	got := g.Nearest(query, 1)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].Node.ID)
	assert.InDelta(t, 112_400, got[0].Distance, 500)

	both := g.Nearest(query, 2)
	require.Len(t, both, 2)
	assert.Equal(t, []int64{2, 1}, []int64{both[0].Node.ID, both[1].Node.ID})
}

func TestNearestMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	g := newTestGrid(t, 0.5)
	var points []orb.Point
	for i := int64(1); i <= 300; i++ {
		p := orb.Point{rng.Float64()*10 - 5, rng.Float64()*60 - 30}
		points = append(points, p)
		g.Insert(testNode(i, p.Lat(), p.Lon()))
	}

	for q := 0; q < 50; q++ {
		query := orb.Point{rng.Float64()*12 - 6, rng.Float64()*64 - 32}
		best, bestID := math.Inf(1), int64(0)
		for i, p := range points {
			if d := geo.DistanceHaversine(query, p); d < best {
				best, bestID = d, int64(i+1)
			}
		}

		got := g.Nearest(query, 3)
		require.Len(t, got, 3)
		assert.Equal(t, bestID, got[0].Node.ID, "query %v", query)
		assert.LessOrEqual(t, got[0].Distance, got[1].Distance)
		assert.LessOrEqual(t, got[1].Distance, got[2].Distance)
	}
}

func TestWayGeometry(t *testing.T) {
	g := newTestGrid(t, 1)
	g.Insert(testNode(1, 0.1, 0.2))
	g.Insert(testNode(2, 0.3, 0.4))
	g.Insert(testWay(50, []int64{1, 99, 2}))

	line, missing, ok := g.WayGeometry(50)
	require.True(t, ok)
	assert.Equal(t, orb.LineString{{0.2, 0.1}, {0.4, 0.3}}, line)
	assert.Equal(t, []int64{99}, missing)

	_, _, ok = g.WayGeometry(51)
	assert.False(t, ok)
}
