package grid

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/osm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleGrid(t *testing.T) *Grid {
	t.Helper()
	g := newTestGrid(t, 0.01)
	g.Insert(testNode(1, 42.3, -83.1, osm.Tag{Key: "highway", Value: "traffic_signals"}, osm.Tag{Key: "a", Value: "1"}))
	g.Insert(testNode(2, 42.31, -83.11))
	g.Insert(testNode(3, -33.9, 151.2, osm.Tag{Key: "z", Value: "last"}, osm.Tag{Key: "a", Value: "first"}))
	g.Insert(testWay(100, []int64{1, 2}, osm.Tag{Key: "highway", Value: "residential"}, osm.Tag{Key: "maxspeed", Value: "25 mph"}))
	g.Insert(testWay(101, []int64{2, 3, 404}, osm.Tag{Key: "highway", Value: "bogus_value"}))
	g.Insert(testWay(102, []int64{3}, osm.Tag{Key: "name", Value: "stub"}))
	return g
}

func TestSnapshotRoundTrip(t *testing.T) {
	g := sampleGrid(t)

	var buf bytes.Buffer
	require.NoError(t, g.Snapshot(&buf))

	restored, err := Restore(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	wantCells, wantWays := g.Records()
	gotCells, gotWays := restored.Records()
	assert.Equal(t, wantCells, gotCells)
	assert.Equal(t, wantWays, gotWays)
	assert.Equal(t, g.Resolution(), restored.Resolution())
	assert.Equal(t, g.NodeCount(), restored.NodeCount())
	assert.Equal(t, g.Dangling(), restored.Dangling())

	n3, ok := restored.Node(3)
	require.True(t, ok)
	assert.Equal(t, osm.Tags{{Key: "z", Value: "last"}, {Key: "a", Value: "first"}}, n3.Tags, "tag order survives")

	w, _ := restored.Way(100)
	speed, set := w.MaxSpeed()
	assert.True(t, set)
	assert.EqualValues(t, 25, speed)

	// identical content encodes identically
	var again bytes.Buffer
	require.NoError(t, restored.Snapshot(&again))
	assert.Equal(t, buf.Bytes(), again.Bytes())
}

func TestSnapshotEmptyGrid(t *testing.T) {
	g := newTestGrid(t, DefaultResolution)
	var buf bytes.Buffer
	require.NoError(t, g.Snapshot(&buf))

	restored, err := Restore(&buf)
	require.NoError(t, err)
	assert.Equal(t, 0, restored.CellCount())
	assert.Equal(t, DefaultResolution, restored.Resolution())
}

func TestRestoreCorrupt(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, sampleGrid(t).Snapshot(&buf))
	valid := buf.Bytes()

	mutate := func(f func(b []byte) []byte) []byte {
		return f(append([]byte(nil), valid...))
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short header", valid[:10]},
		{"truncated payload", valid[:len(valid)-3]},
		{"trailing data", append(append([]byte(nil), valid...), 0x00)},
		{"bad magic", mutate(func(b []byte) []byte { b[0] = 'X'; return b })},
		{"bad version", mutate(func(b []byte) []byte { binary.LittleEndian.PutUint16(b[4:], 99); return b })},
		{"flipped payload byte", mutate(func(b []byte) []byte { b[headerSize+5] ^= 0xff; return b })},
		{"zero resolution", mutate(func(b []byte) []byte { binary.LittleEndian.PutUint64(b[8:], 0); return b })},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Restore(bytes.NewReader(tt.data))
			assert.ErrorIs(t, err, ErrCorruptSnapshot)
			assert.Nil(t, g)
		})
	}
}

func TestFromRecordsValidation(t *testing.T) {
	g := sampleGrid(t)
	cells, ways := g.Records()

	t.Run("valid", func(t *testing.T) {
		_, err := FromRecords(g.Resolution(), cells, ways)
		assert.NoError(t, err)
	})

	t.Run("node in wrong cell", func(t *testing.T) {
		bad := append([]CellRecord(nil), cells...)
		bad[0].Lat++
		_, err := FromRecords(g.Resolution(), bad, ways)
		assert.ErrorIs(t, err, ErrCorruptSnapshot)
	})

	t.Run("duplicate way", func(t *testing.T) {
		_, err := FromRecords(g.Resolution(), cells, append(append([]WayRecord(nil), ways...), ways[0]))
		assert.ErrorIs(t, err, ErrCorruptSnapshot)
	})

	t.Run("missing way behind a back reference", func(t *testing.T) {
		_, err := FromRecords(g.Resolution(), cells, ways[1:])
		assert.ErrorIs(t, err, ErrCorruptSnapshot)
	})

	t.Run("unknown class", func(t *testing.T) {
		bad := append([]WayRecord(nil), ways...)
		bad[0].Class = 200
		_, err := FromRecords(g.Resolution(), cells, bad)
		assert.ErrorIs(t, err, ErrCorruptSnapshot)
	})

	t.Run("bad resolution", func(t *testing.T) {
		_, err := FromRecords(-1, cells, ways)
		assert.ErrorIs(t, err, ErrCorruptSnapshot)
	})
}

func TestSnapshotFile(t *testing.T) {
	g := sampleGrid(t)
	path := filepath.Join(t.TempDir(), "grid.snap")
	require.NoError(t, g.SnapshotFile(path))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	restored, err := RestoreFile(path)
	require.NoError(t, err)
	assert.Equal(t, g.WayCount(), restored.WayCount())
	assert.NoError(t, restored.CheckResolution(0.01))
	assert.ErrorIs(t, restored.CheckResolution(100), ErrResolutionMismatch)

	empty := filepath.Join(t.TempDir(), "empty.snap")
	require.NoError(t, os.WriteFile(empty, nil, 0644))
	_, err = RestoreFile(empty)
	assert.ErrorIs(t, err, ErrCorruptSnapshot)
}
