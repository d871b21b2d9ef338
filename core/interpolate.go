package core

import "github.com/signalsfoundry/deconfliction-viewer/model"

// PositionAt returns the trajectory's position at simulation time t.
//
// The second return value is false when the trajectory has no coverage at t:
// t lies outside [StartTime, EndTime], or there are no waypoints.
//
// Inside the covered range the first waypoint pair bracketing t is linearly
// interpolated. If no pair brackets t (t is past the last waypoint, or there
// is only one waypoint) the last waypoint is held. Waypoints must already be
// sorted by ascending Timestamp; unsorted input yields whatever the first
// matching pair produces and is not detected.
func PositionAt(traj *model.Trajectory, t float64) (model.Position, bool) {
	if traj == nil || len(traj.Waypoints) == 0 {
		return model.Position{}, false
	}
	if t < traj.StartTime || t > traj.EndTime {
		return model.Position{}, false
	}

	wps := traj.Waypoints
	for i := 0; i+1 < len(wps); i++ {
		a, b := wps[i], wps[i+1]
		if a.Timestamp <= t && t <= b.Timestamp {
			// exact hits return the waypoint itself; a+1*(b-a) can miss b
			switch t {
			case a.Timestamp:
				return a.Position(), true
			case b.Timestamp:
				return b.Position(), true
			}
			return lerp(a, b, t), true
		}
	}
	return wps[len(wps)-1].Position(), true
}

func lerp(a, b model.Waypoint, t float64) model.Position {
	u := 0.0
	if span := b.Timestamp - a.Timestamp; span != 0 {
		u = (t - a.Timestamp) / span
	}
	return model.Position{
		X: a.X + u*(b.X-a.X),
		Y: a.Y + u*(b.Y-a.Y),
		Z: a.Z + u*(b.Z-a.Z),
	}
}
