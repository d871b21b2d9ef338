package kb

import (
	"errors"
	"fmt"
	"testing"

	"github.com/signalsfoundry/deconfliction-viewer/model"
)

func traj(id string, primary bool) *model.Trajectory {
	return &model.Trajectory{
		ID:        id,
		DroneID:   id,
		StartTime: 0,
		EndTime:   10,
		Primary:   primary,
		Waypoints: []model.Waypoint{{X: 1, Timestamp: 0}, {X: 2, Timestamp: 10}},
	}
}

func collectIDs(r *TrajectoryRegistry) []string {
	var ids []string
	r.ForEach(func(t *model.Trajectory) { ids = append(ids, t.ID) })
	return ids
}

func TestReplaceAllOrdersPrimaryFirst(t *testing.T) {
	r := NewTrajectoryRegistry()
	secondaries := []*model.Trajectory{traj("b", false), traj("a", false), traj("c", false)}
	if err := r.ReplaceAll(traj(model.PrimaryID, true), secondaries); err != nil {
		t.Fatalf("ReplaceAll error: %v", err)
	}

	got := collectIDs(r)
	want := []string{model.PrimaryID, "b", "a", "c"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("ForEach order = %v, want %v", got, want)
	}
	if p, ok := r.Primary(); !ok || p.ID != model.PrimaryID {
		t.Fatalf("Primary() = %v, %v; want primary trajectory", p, ok)
	}
}

func TestReplaceAllDiscardsPrevious(t *testing.T) {
	r := NewTrajectoryRegistry()
	if err := r.ReplaceAll(traj(model.PrimaryID, true), []*model.Trajectory{traj("old", false)}); err != nil {
		t.Fatalf("ReplaceAll error: %v", err)
	}
	if err := r.ReplaceAll(traj(model.PrimaryID, true), []*model.Trajectory{traj("new", false)}); err != nil {
		t.Fatalf("ReplaceAll error: %v", err)
	}

	if _, ok := r.Get("old"); ok {
		t.Fatalf("expected old trajectory to be discarded")
	}
	if _, ok := r.Get("new"); !ok {
		t.Fatalf("expected new trajectory to be present")
	}
	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}
	if r.Generation() != 2 {
		t.Fatalf("Generation() = %d, want 2", r.Generation())
	}
}

func TestReplaceAllRejectsDuplicatesAtomically(t *testing.T) {
	r := NewTrajectoryRegistry()
	if err := r.ReplaceAll(traj(model.PrimaryID, true), nil); err != nil {
		t.Fatalf("ReplaceAll error: %v", err)
	}

	err := r.ReplaceAll(traj(model.PrimaryID, true), []*model.Trajectory{traj("x", false), traj("x", false)})
	if !errors.Is(err, ErrTrajectoryExists) {
		t.Fatalf("ReplaceAll duplicate error = %v, want ErrTrajectoryExists", err)
	}
	if err := r.ReplaceAll(nil, []*model.Trajectory{{ID: ""}}); !errors.Is(err, ErrTrajectoryInvalid) {
		t.Fatalf("ReplaceAll empty id error = %v, want ErrTrajectoryInvalid", err)
	}

	if got := collectIDs(r); len(got) != 1 || got[0] != model.PrimaryID {
		t.Fatalf("registry changed after failed replace: %v", got)
	}
	if r.Generation() != 1 {
		t.Fatalf("Generation() = %d after failed replaces, want 1", r.Generation())
	}
}

func TestGetMissing(t *testing.T) {
	r := NewTrajectoryRegistry()
	if got, ok := r.Get("nope"); ok || got != nil {
		t.Fatalf("Get(missing) = %v, %v; want nil, false", got, ok)
	}
	if _, ok := r.Primary(); ok {
		t.Fatalf("Primary() on empty registry reported a primary")
	}
}

func TestReplaceAllStoresCopies(t *testing.T) {
	r := NewTrajectoryRegistry()
	p := traj(model.PrimaryID, true)
	if err := r.ReplaceAll(p, nil); err != nil {
		t.Fatalf("ReplaceAll error: %v", err)
	}
	p.Waypoints[0].X = 42

	got, _ := r.Get(model.PrimaryID)
	if got.Waypoints[0].X != 1 {
		t.Fatalf("registry aliases caller waypoints")
	}
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	r := NewTrajectoryRegistry()
	var events []Event
	unsub := r.Subscribe(func(e Event) { events = append(events, e) })

	if err := r.ReplaceAll(traj(model.PrimaryID, true), []*model.Trajectory{traj("s", false)}); err != nil {
		t.Fatalf("ReplaceAll error: %v", err)
	}
	if len(events) != 1 || events[0].Count != 2 || events[0].Generation != 1 {
		t.Fatalf("unexpected events: %+v", events)
	}

	unsub()
	if err := r.ReplaceAll(nil, nil); err != nil {
		t.Fatalf("ReplaceAll error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("received event after unsubscribe: %+v", events)
	}
}
