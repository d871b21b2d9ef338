package ui

import (
	"encoding/json"

	"github.com/signalsfoundry/deconfliction-viewer/internal/session"
	"github.com/signalsfoundry/deconfliction-viewer/model"
	"github.com/signalsfoundry/deconfliction-viewer/timectrl"
)

// Outgoing websocket message types.
const (
	TypeFrame        = "frame"
	TypeTrajectories = "trajectories"
	TypeConflicts    = "conflicts"
	TypeResult       = "result"
	TypeError        = "error"
)

// Envelope wraps every outgoing message.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// PositionMessage is an entity position in scene coordinates.
type PositionMessage struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// FrameMessage carries the clock readout and every known entity position.
// Entities without coverage this frame keep their last position.
type FrameMessage struct {
	Time      float64                    `json:"time"`
	TimeLabel string                     `json:"time_label"`
	Fraction  float64                    `json:"fraction"`
	Positions map[string]PositionMessage `json:"positions"`
}

// WaypointMessage is a trajectory vertex.
type WaypointMessage struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	Timestamp float64 `json:"timestamp"`
}

// TrajectoryMessage describes one path to draw.
type TrajectoryMessage struct {
	ID        string            `json:"id"`
	DroneID   string            `json:"drone_id"`
	Primary   bool              `json:"primary"`
	StartTime float64           `json:"start_time"`
	EndTime   float64           `json:"end_time"`
	Waypoints []WaypointMessage `json:"waypoints"`
}

// ConflictMessage is one conflict marker.
type ConflictMessage struct {
	Location        [3]float64 `json:"location"`
	Time            float64    `json:"time"`
	TimeLabel       string     `json:"time_label"`
	InvolvedFlights []string   `json:"involved_flights"`
	Distance        float64    `json:"distance"`
}

// ResultMessage summarises a submission outcome.
type ResultMessage struct {
	RequestID   string            `json:"request_id"`
	Status      string            `json:"status"`
	Message     string            `json:"message,omitempty"`
	TotalDrones int               `json:"total_drones,omitempty"`
	Conflicts   []ConflictMessage `json:"conflicts"`
}

// ErrorMessage reports a rejected client action.
type ErrorMessage struct {
	Error string `json:"error"`
}

// ControlMessage is an incoming websocket action.
type ControlMessage struct {
	Action   string   `json:"action"`
	Fraction *float64 `json:"fraction,omitempty"`
}

func encode(typ string, data any) ([]byte, error) {
	return json.Marshal(Envelope{Type: typ, Data: data})
}

func trajectoryMessages(trajectories []*model.Trajectory) []TrajectoryMessage {
	out := make([]TrajectoryMessage, 0, len(trajectories))
	for _, t := range trajectories {
		msg := TrajectoryMessage{
			ID:        t.ID,
			DroneID:   t.DroneID,
			Primary:   t.Primary,
			StartTime: t.StartTime,
			EndTime:   t.EndTime,
			Waypoints: make([]WaypointMessage, len(t.Waypoints)),
		}
		for i, wp := range t.Waypoints {
			msg.Waypoints[i] = WaypointMessage{X: wp.X, Y: wp.Y, Z: wp.Z, Timestamp: wp.Timestamp}
		}
		out = append(out, msg)
	}
	return out
}

func conflictMessages(conflicts []model.ConflictEvent) []ConflictMessage {
	out := make([]ConflictMessage, 0, len(conflicts))
	for _, c := range conflicts {
		involved := c.Involved
		if involved == nil {
			involved = []string{}
		}
		out = append(out, ConflictMessage{
			Location:        [3]float64{c.Location.X, c.Location.Y, c.Location.Z},
			Time:            c.Time,
			TimeLabel:       timectrl.FormatSimTime(c.Time),
			InvolvedFlights: involved,
			Distance:        c.Distance,
		})
	}
	return out
}

func resultMessage(s session.Summary) ResultMessage {
	return ResultMessage{
		RequestID:   s.RequestID,
		Status:      string(s.Status),
		Message:     s.Message,
		TotalDrones: s.TotalDrones,
		Conflicts:   conflictMessages(s.Conflicts),
	}
}
