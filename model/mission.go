package model

import (
	"fmt"
	"math"
)

// Defaults applied to missions and flights that omit them.
const (
	DefaultSpeed        = 5.0  // m/s
	DefaultSafetyBuffer = 10.0 // metres
)

// Mission is a drone flight plan: either the user's submitted mission or one
// of the previously simulated flights.
type Mission struct {
	DroneID      string
	Waypoints    []Waypoint
	StartTime    float64
	EndTime      float64
	Speed        float64
	SafetyBuffer float64
}

// ValidationError reports a mission field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid mission: %s %s", e.Field, e.Reason)
}

// Validate checks the mission against the analysis service's input rules.
func (m *Mission) Validate() error {
	if m.DroneID == "" {
		return &ValidationError{Field: "drone_id", Reason: "must not be empty"}
	}
	if len(m.Waypoints) == 0 {
		return &ValidationError{Field: "waypoints", Reason: "must contain at least one waypoint"}
	}
	if m.StartTime < 0 {
		return &ValidationError{Field: "start_time", Reason: "must be >= 0"}
	}
	if m.EndTime <= 0 {
		return &ValidationError{Field: "end_time", Reason: "must be > 0"}
	}
	if m.EndTime <= m.StartTime {
		return &ValidationError{Field: "end_time", Reason: "must be greater than start_time"}
	}
	if m.Speed <= 0 {
		return &ValidationError{Field: "speed", Reason: "must be > 0"}
	}
	if m.SafetyBuffer <= 0 {
		return &ValidationError{Field: "safety_buffer", Reason: "must be > 0"}
	}
	for i, wp := range m.Waypoints {
		if wp.X < 0 || wp.Y < 0 || wp.Z < 0 {
			return &ValidationError{
				Field:  fmt.Sprintf("waypoints[%d]", i),
				Reason: "coordinates must be >= 0",
			}
		}
	}
	return nil
}

// AssignTimestamps spreads waypoint timestamps across [StartTime, EndTime]
// in proportion to cumulative path distance. A single waypoint, or a path
// of zero length, gets StartTime everywhere.
func (m *Mission) AssignTimestamps() {
	if len(m.Waypoints) == 0 {
		return
	}
	if len(m.Waypoints) == 1 {
		m.Waypoints[0].Timestamp = m.StartTime
		return
	}

	cumulative := make([]float64, len(m.Waypoints))
	for i := 1; i < len(m.Waypoints); i++ {
		cumulative[i] = cumulative[i-1] + distance(m.Waypoints[i-1], m.Waypoints[i])
	}
	total := cumulative[len(cumulative)-1]
	if total == 0 {
		for i := range m.Waypoints {
			m.Waypoints[i].Timestamp = m.StartTime
		}
		return
	}

	span := m.EndTime - m.StartTime
	for i := range m.Waypoints {
		m.Waypoints[i].Timestamp = m.StartTime + (cumulative[i]/total)*span
	}
}

// Trajectory converts the mission into a trajectory with the given ID.
func (m *Mission) Trajectory(id string, primary bool) *Trajectory {
	return &Trajectory{
		ID:        id,
		DroneID:   m.DroneID,
		StartTime: m.StartTime,
		EndTime:   m.EndTime,
		Waypoints: append([]Waypoint(nil), m.Waypoints...),
		Primary:   primary,
	}
}

func distance(a, b Waypoint) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	dz := a.Z - b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
