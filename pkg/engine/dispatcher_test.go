package engine

import (
	"errors"
	"testing"
)

func TestDispatcher_DelayedDedupByTargetAndAction(t *testing.T) {
	d := NewDispatcher()
	svc := id("service", "cinder-api")

	d.Queue(Notification{Source: id("file", "a"), Target: svc, Action: ActionRestart, Timing: TimingDelayed})
	d.Queue(Notification{Source: id("file", "b"), Target: svc, Action: ActionRestart, Timing: TimingDelayed})
	d.Queue(Notification{Source: id("file", "b"), Target: svc, Action: ActionReload, Timing: TimingDelayed})

	var fired []Notification
	err := d.DrainDelayed(func(n Notification) error {
		fired = append(fired, n)
		return nil
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(fired) != 2 {
		t.Fatalf("Expected 2 notifications, got %d", len(fired))
	}
	if fired[0].Source != id("file", "a") || fired[0].Action != ActionRestart {
		t.Errorf("Expected first-queued restart from file[a], got %+v", fired[0])
	}
	if fired[1].Action != ActionReload {
		t.Errorf("Expected reload second, got %+v", fired[1])
	}

	// A drained pair stays deduplicated for the rest of the run.
	d.Queue(Notification{Source: id("file", "c"), Target: svc, Action: ActionRestart, Timing: TimingDelayed})
	if len(d.Pending()) != 0 {
		t.Errorf("Expected no pending notifications, got %v", d.Pending())
	}
}

func TestDispatcher_ImmediateNotDeduplicated(t *testing.T) {
	d := NewDispatcher()
	svc := id("service", "api")
	d.Queue(Notification{Target: svc, Action: ActionRestart, Timing: TimingImmediate})
	d.Queue(Notification{Target: svc, Action: ActionRestart, Timing: TimingImmediate})

	count := 0
	_ = d.DrainImmediate(func(Notification) error {
		count++
		return nil
	})
	if count != 2 {
		t.Errorf("Expected 2 immediate firings, got %d", count)
	}
}

func TestDispatcher_DrainImmediateRequeues(t *testing.T) {
	d := NewDispatcher()
	d.Queue(Notification{Target: id("service", "a"), Action: ActionRestart, Timing: TimingImmediate})

	var order []string
	_ = d.DrainImmediate(func(n Notification) error {
		order = append(order, n.Target.Name)
		if n.Target.Name == "a" {
			d.Queue(Notification{Target: id("service", "b"), Action: ActionRestart, Timing: TimingImmediate})
		}
		return nil
	})
	if !equalStrings(order, []string{"a", "b"}) {
		t.Errorf("Expected [a b], got %v", order)
	}
}

func TestDispatcher_StopsOnError(t *testing.T) {
	d := NewDispatcher()
	d.Queue(Notification{Target: id("service", "a"), Action: ActionRestart})
	d.Queue(Notification{Target: id("service", "b"), Action: ActionRestart})

	boom := errors.New("boom")
	calls := 0
	err := d.DrainDelayed(func(Notification) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Errorf("Expected to stop after first error, got err=%v calls=%d", err, calls)
	}
	if len(d.Pending()) != 1 {
		t.Errorf("Expected 1 pending notification, got %d", len(d.Pending()))
	}
}
