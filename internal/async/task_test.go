package async

import "testing"

func TestTaskHappyPath(t *testing.T) {
	task := NewTask()
	if task.State() != TaskPending {
		t.Fatalf("initial state = %v, want PENDING", task.State())
	}

	stopped := 0
	task.StoppedEvent.Attach(func(*Task) { stopped++ })

	task.Start()
	if task.State() != TaskRunning {
		t.Fatalf("state after Start = %v, want RUNNING", task.State())
	}

	task.Heartbeat(42)
	if task.Progress() != 42 {
		t.Fatalf("progress = %v, want 42", task.Progress())
	}

	task.End("done")
	if task.State() != TaskEnded {
		t.Fatalf("state after End = %v, want ENDED", task.State())
	}
	if task.Result() != "done" {
		t.Fatalf("result = %v, want %q", task.Result(), "done")
	}
	if stopped != 1 {
		t.Fatalf("stopped fired %d times, want 1", stopped)
	}

	// Terminal states are absorbing.
	task.Fail("ignored")
	if task.State() != TaskEnded {
		t.Fatalf("state mutated after terminal Fail: %v", task.State())
	}
	task.Cancel()
	if task.State() != TaskEnded {
		t.Fatalf("state mutated after terminal Cancel: %v", task.State())
	}
	if stopped != 1 {
		t.Fatalf("stopped fired again after terminal no-ops: %d", stopped)
	}
}

func TestTaskCancellationRace(t *testing.T) {
	task := NewTask()
	cancelFired := 0
	stoppedFired := 0
	task.CancelEvent.Attach(func(*Task) { cancelFired++ })
	task.StoppedEvent.Attach(func(*Task) { stoppedFired++ })

	task.Start()
	task.Cancel()

	if task.State() != TaskCanceled {
		t.Fatalf("state = %v, want CANCELED", task.State())
	}
	if cancelFired != 1 || stoppedFired != 1 {
		t.Fatalf("cancelFired=%d stoppedFired=%d, want 1,1", cancelFired, stoppedFired)
	}

	// Subsequent End/Fail are no-ops, not errors.
	task.End("x")
	task.Fail("y")
	if task.State() != TaskCanceled {
		t.Fatalf("state mutated after terminal race: %v", task.State())
	}
	if stoppedFired != 1 {
		t.Fatalf("stoppedFired = %d after no-ops, want 1", stoppedFired)
	}
}

func TestTaskCancelFromPending(t *testing.T) {
	task := NewTask()
	task.Cancel()
	if task.State() != TaskCanceled {
		t.Fatalf("state = %v, want CANCELED", task.State())
	}
}

func TestLazyHeartbeatSuppressesDuplicate(t *testing.T) {
	task := NewTask()
	task.Start()
	fired := 0
	task.ProgressEvent.Attach(func(*Task) { fired++ })

	progress := func(pct int) map[string]any {
		return map[string]any{"name": "print", "progress": pct}
	}

	task.LazyHeartbeat(progress(10), 10)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	task.LazyHeartbeat(progress(10), 10)
	if fired != 1 {
		t.Fatalf("fired = %d after duplicate, want 1", fired)
	}
	task.LazyHeartbeat(progress(20), 20)
	if fired != 2 {
		t.Fatalf("fired = %d after change, want 2", fired)
	}
}
