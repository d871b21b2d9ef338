package model

// PrimaryID is the registry ID of the submitted mission's trajectory.
const PrimaryID = "primary"

// Position represents a point in the shared scene frame (metres).
type Position struct {
	X float64
	Y float64
	Z float64
}

// Waypoint is a timestamped position. Timestamp is in simulation seconds.
type Waypoint struct {
	X         float64
	Y         float64
	Z         float64
	Timestamp float64
}

// Position returns the waypoint's coordinates.
func (w Waypoint) Position() Position {
	return Position{X: w.X, Y: w.Y, Z: w.Z}
}

// Trajectory is a tracked entity's timestamped path.
//
// Waypoints are expected in ascending Timestamp order with no duplicates, and
// StartTime <= Waypoints[0].Timestamp, Waypoints[last].Timestamp <= EndTime.
type Trajectory struct {
	ID        string
	DroneID   string // drone_id as reported by the mission or flight source
	StartTime float64
	EndTime   float64
	Waypoints []Waypoint

	// Primary marks the submitted mission; everything else is a
	// previously simulated flight.
	Primary bool
}

// Clone returns a deep copy of t so registries can hold their own
// waypoint slices.
func (t *Trajectory) Clone() *Trajectory {
	if t == nil {
		return nil
	}
	out := *t
	out.Waypoints = append([]Waypoint(nil), t.Waypoints...)
	return &out
}

// ConflictEvent is a separation violation reported by the analysis service.
type ConflictEvent struct {
	Location Position
	Time     float64
	Involved []string
	Distance float64
}

// AnalysisStatus is the top-level verdict of an analysis run.
type AnalysisStatus string

const (
	StatusClear    AnalysisStatus = "clear"
	StatusConflict AnalysisStatus = "conflict"
	StatusError    AnalysisStatus = "error"
)

// AnalysisResult is a decoded response from the analysis service.
type AnalysisResult struct {
	Status    AnalysisStatus
	Message   string
	Conflicts []ConflictEvent
}
