package osc

import (
	"github.com/paulmach/osm"
)

// Action represents the type of change in an OSC file
type Action string

const (
	ActionCreate Action = "create"
	ActionModify Action = "modify"
	ActionDelete Action = "delete"
)

// Change is one element of an OSC file with the block it appeared in.
// Object is an *osm.Node, *osm.Way or *osm.Relation.
type Change struct {
	Action Action
	Object osm.Object
}

// Stats tracks OSC parsing statistics
type Stats struct {
	NodesCreated      int64
	NodesModified     int64
	NodesDeleted      int64
	WaysCreated       int64
	WaysModified      int64
	WaysDeleted       int64
	RelationsCreated  int64
	RelationsModified int64
	RelationsDeleted  int64
}

// Total returns total number of changes
func (s *Stats) Total() int64 {
	return s.NodesCreated + s.NodesModified + s.NodesDeleted +
		s.WaysCreated + s.WaysModified + s.WaysDeleted +
		s.RelationsCreated + s.RelationsModified + s.RelationsDeleted
}

func (s *Stats) add(action Action, obj osm.Object) {
	var created, modified, deleted *int64
	switch obj.(type) {
	case *osm.Node:
		created, modified, deleted = &s.NodesCreated, &s.NodesModified, &s.NodesDeleted
	case *osm.Way:
		created, modified, deleted = &s.WaysCreated, &s.WaysModified, &s.WaysDeleted
	case *osm.Relation:
		created, modified, deleted = &s.RelationsCreated, &s.RelationsModified, &s.RelationsDeleted
	default:
		return
	}

	switch action {
	case ActionCreate:
		*created++
	case ActionModify:
		*modified++
	case ActionDelete:
		*deleted++
	}
}

// ApplyStats holds the outcome of applying changes to a grid
type ApplyStats struct {
	NodesUpserted int64
	NodesDeleted  int64
	WaysUpserted  int64
	WaysDeleted   int64
	// WaysFiltered counts upserted ways the filter rejected; a previously
	// indexed version is removed
	WaysFiltered int64
	// Missing counts deletes of elements not in the grid
	Missing          int64
	RelationsSkipped int64
	CellsTouched     int
}
