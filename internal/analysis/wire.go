package analysis

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/signalsfoundry/deconfliction-viewer/model"
)

// ErrMalformedResponse indicates the analysis service returned a body that
// could not be decoded into the expected shape.
var ErrMalformedResponse = errors.New("malformed analysis response")

// WaypointJSON is the wire form of a waypoint. Timestamp is optional on
// input; missing timestamps are assigned from path distance.
type WaypointJSON struct {
	X         *float64 `json:"x"`
	Y         *float64 `json:"y"`
	Z         *float64 `json:"z"`
	Timestamp *float64 `json:"timestamp,omitempty"`
}

// MissionJSON is the wire form of a mission or simulated flight.
type MissionJSON struct {
	DroneID      string         `json:"drone_id"`
	Waypoints    []WaypointJSON `json:"waypoints"`
	StartTime    *float64       `json:"start_time"`
	EndTime      *float64       `json:"end_time"`
	Speed        *float64       `json:"speed,omitempty"`
	SafetyBuffer *float64       `json:"safety_buffer,omitempty"`
}

// MissionEnvelope wraps a mission for POST /api/analyze-mission.
type MissionEnvelope struct {
	Mission MissionJSON `json:"mission"`
}

// ConflictJSON is one conflict as reported by the service. Location is an
// [x, y, z] triple.
type ConflictJSON struct {
	Time            float64   `json:"time"`
	Location        []float64 `json:"location"`
	InvolvedFlights []string  `json:"involved_flights"`
	Distance        float64   `json:"distance"`
}

// ResultJSON is the analysis response body.
type ResultJSON struct {
	Status    string         `json:"status"`
	Message   string         `json:"message"`
	Conflicts []ConflictJSON `json:"conflicts"`
}

// DecodeMission parses user-supplied mission JSON, either bare or wrapped
// in {"mission": ...}. Defaults are applied, the result is validated, and
// timestamps are assigned when any waypoint omits one.
func DecodeMission(raw []byte) (model.Mission, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return model.Mission{}, fmt.Errorf("decode mission: %w", err)
	}

	body := raw
	if inner, ok := probe["mission"]; ok {
		body = inner
	}

	var wire MissionJSON
	if err := json.Unmarshal(body, &wire); err != nil {
		return model.Mission{}, fmt.Errorf("decode mission: %w", err)
	}
	return wire.ToModel()
}

// ToModel converts the wire mission into a validated model.Mission.
func (m MissionJSON) ToModel() (model.Mission, error) {
	if m.StartTime == nil {
		return model.Mission{}, &model.ValidationError{Field: "start_time", Reason: "is required"}
	}
	if m.EndTime == nil {
		return model.Mission{}, &model.ValidationError{Field: "end_time", Reason: "is required"}
	}

	out := model.Mission{
		DroneID:      m.DroneID,
		StartTime:    *m.StartTime,
		EndTime:      *m.EndTime,
		Speed:        model.DefaultSpeed,
		SafetyBuffer: model.DefaultSafetyBuffer,
		Waypoints:    make([]model.Waypoint, 0, len(m.Waypoints)),
	}
	if m.Speed != nil {
		out.Speed = *m.Speed
	}
	if m.SafetyBuffer != nil {
		out.SafetyBuffer = *m.SafetyBuffer
	}

	missingTimestamp := false
	for i, wp := range m.Waypoints {
		if wp.X == nil || wp.Y == nil || wp.Z == nil {
			return model.Mission{}, &model.ValidationError{
				Field:  fmt.Sprintf("waypoints[%d]", i),
				Reason: "requires x, y and z",
			}
		}
		w := model.Waypoint{X: *wp.X, Y: *wp.Y, Z: *wp.Z}
		if wp.Timestamp != nil {
			w.Timestamp = *wp.Timestamp
		} else {
			missingTimestamp = true
		}
		out.Waypoints = append(out.Waypoints, w)
	}

	if err := out.Validate(); err != nil {
		return model.Mission{}, err
	}
	if missingTimestamp {
		out.AssignTimestamps()
	}
	return out, nil
}

// MissionToWire converts a model mission into its wire form, timestamps
// included.
func MissionToWire(m model.Mission) MissionJSON {
	start, end := m.StartTime, m.EndTime
	speed, buffer := m.Speed, m.SafetyBuffer
	out := MissionJSON{
		DroneID:      m.DroneID,
		StartTime:    &start,
		EndTime:      &end,
		Speed:        &speed,
		SafetyBuffer: &buffer,
		Waypoints:    make([]WaypointJSON, len(m.Waypoints)),
	}
	for i, wp := range m.Waypoints {
		x, y, z, ts := wp.X, wp.Y, wp.Z, wp.Timestamp
		out.Waypoints[i] = WaypointJSON{X: &x, Y: &y, Z: &z, Timestamp: &ts}
	}
	return out
}

// ToModel converts the wire result. A conflict whose location is not a
// three-element array is a decode error.
func (r ResultJSON) ToModel() (model.AnalysisResult, error) {
	out := model.AnalysisResult{
		Status:  model.AnalysisStatus(r.Status),
		Message: r.Message,
	}
	switch out.Status {
	case model.StatusClear, model.StatusConflict, model.StatusError:
	default:
		return model.AnalysisResult{}, fmt.Errorf("%w: unknown status %q", ErrMalformedResponse, r.Status)
	}

	if len(r.Conflicts) > 0 {
		out.Conflicts = make([]model.ConflictEvent, 0, len(r.Conflicts))
	}
	for i, c := range r.Conflicts {
		if len(c.Location) != 3 {
			return model.AnalysisResult{}, fmt.Errorf("%w: conflicts[%d].location has %d elements", ErrMalformedResponse, i, len(c.Location))
		}
		out.Conflicts = append(out.Conflicts, model.ConflictEvent{
			Location: model.Position{X: c.Location[0], Y: c.Location[1], Z: c.Location[2]},
			Time:     c.Time,
			Involved: append([]string(nil), c.InvolvedFlights...),
			Distance: c.Distance,
		})
	}
	return out, nil
}
