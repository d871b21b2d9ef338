package model

import (
	"errors"
	"testing"
)

func validMission() Mission {
	return Mission{
		DroneID:      "d1",
		StartTime:    0,
		EndTime:      10,
		Speed:        DefaultSpeed,
		SafetyBuffer: DefaultSafetyBuffer,
		Waypoints: []Waypoint{
			{X: 0, Y: 0, Z: 0},
			{X: 10, Y: 0, Z: 0},
		},
	}
}

func TestMissionValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Mission)
		field  string
	}{
		{name: "ok", mutate: func(*Mission) {}},
		{name: "empty drone id", mutate: func(m *Mission) { m.DroneID = "" }, field: "drone_id"},
		{name: "no waypoints", mutate: func(m *Mission) { m.Waypoints = nil }, field: "waypoints"},
		{name: "negative start", mutate: func(m *Mission) { m.StartTime = -1 }, field: "start_time"},
		{name: "zero end", mutate: func(m *Mission) { m.EndTime = 0 }, field: "end_time"},
		{name: "end before start", mutate: func(m *Mission) { m.StartTime = 20 }, field: "end_time"},
		{name: "zero speed", mutate: func(m *Mission) { m.Speed = 0 }, field: "speed"},
		{name: "zero buffer", mutate: func(m *Mission) { m.SafetyBuffer = 0 }, field: "safety_buffer"},
		{name: "negative coordinate", mutate: func(m *Mission) { m.Waypoints[1].Y = -3 }, field: "waypoints[1]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validMission()
			tt.mutate(&m)
			err := m.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() = %v, want *ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Fatalf("ValidationError.Field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestAssignTimestampsProportionalToDistance(t *testing.T) {
	m := Mission{
		StartTime: 100,
		EndTime:   130,
		Waypoints: []Waypoint{
			{X: 0, Y: 0, Z: 0},
			{X: 10, Y: 0, Z: 0},
			{X: 10, Y: 20, Z: 0},
		},
	}
	m.AssignTimestamps()

	want := []float64{100, 110, 130}
	for i, wp := range m.Waypoints {
		if wp.Timestamp != want[i] {
			t.Fatalf("waypoint %d timestamp = %v, want %v", i, wp.Timestamp, want[i])
		}
	}
}

func TestAssignTimestampsDegenerate(t *testing.T) {
	single := Mission{StartTime: 5, EndTime: 9, Waypoints: []Waypoint{{X: 1, Y: 1, Z: 1}}}
	single.AssignTimestamps()
	if got := single.Waypoints[0].Timestamp; got != 5 {
		t.Fatalf("single waypoint timestamp = %v, want 5", got)
	}

	stationary := Mission{StartTime: 2, EndTime: 8, Waypoints: []Waypoint{{X: 1}, {X: 1}, {X: 1}}}
	stationary.AssignTimestamps()
	for i, wp := range stationary.Waypoints {
		if wp.Timestamp != 2 {
			t.Fatalf("stationary waypoint %d timestamp = %v, want 2", i, wp.Timestamp)
		}
	}
}

func TestMissionTrajectoryCopiesWaypoints(t *testing.T) {
	m := validMission()
	traj := m.Trajectory(PrimaryID, true)
	m.Waypoints[0].X = 99

	if traj.Waypoints[0].X != 0 {
		t.Fatalf("trajectory shares waypoint storage with mission")
	}
	if traj.ID != PrimaryID || traj.DroneID != "d1" || !traj.Primary {
		t.Fatalf("unexpected trajectory identity: %+v", traj)
	}
}
