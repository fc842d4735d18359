// Package async provides the two state-machine primitives used throughout
// the daemon for externally visible asynchronous work: Task, a minimal
// pending/running/terminal tracker used by the RPC endpoint and the
// machine's operations, and Async, a richer primitive (heartbeat payload,
// timeout, structured error, sequencing) used when wrapping foreign
// asynchronous collaborators.
package async

import (
	"sync"

	"github.com/makerforge/printerd/internal/event"
)

// TaskState is one of Task's five states.
type TaskState int

const (
	TaskPending TaskState = iota
	TaskRunning
	TaskEnded
	TaskFailed
	TaskCanceled
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "PENDING"
	case TaskRunning:
		return "RUNNING"
	case TaskEnded:
		return "ENDED"
	case TaskFailed:
		return "FAILED"
	case TaskCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

func (s TaskState) terminal() bool {
	return s == TaskEnded || s == TaskFailed || s == TaskCanceled
}

// Task tracks one unit of asynchronous work with observers. Terminal
// states are absorbing: once reached, further transitions (other than the
// always-legal no-op cancel) are silently ignored so that cancellation
// races are safe.
//
//	PENDING --Start()--> RUNNING --End(x)--> ENDED
//	                         |    --Fail(e)--> FAILED
//	                         |    --Cancel()--> CANCELED
//	PENDING --Cancel()--> CANCELED
type Task struct {
	mu          sync.Mutex
	state       TaskState
	progress    any
	haveLazyKey bool
	lazyKey     int
	result      any
	err         any

	StartEvent    event.Event[*Task]
	ProgressEvent event.Event[*Task]
	EndEvent      event.Event[*Task]
	FailEvent     event.Event[*Task]
	CancelEvent   event.Event[*Task]
	StoppedEvent  event.Event[*Task]
}

// NewTask returns a Task in the PENDING state.
func NewTask() *Task {
	return &Task{state: TaskPending}
}

// State returns the task's current state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Progress returns the most recently published progress payload.
func (t *Task) Progress() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// Result returns the payload passed to End, if any.
func (t *Task) Result() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Err returns the payload passed to Fail, if any.
func (t *Task) Err() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Start transitions PENDING -> RUNNING. A no-op from any other state.
func (t *Task) Start() {
	t.mu.Lock()
	if t.state != TaskPending {
		t.mu.Unlock()
		return
	}
	t.state = TaskRunning
	t.mu.Unlock()
	t.StartEvent.Fire(t)
}

// Heartbeat refreshes progress and fires ProgressEvent while RUNNING. A
// no-op in any other state.
func (t *Task) Heartbeat(progress any) {
	t.mu.Lock()
	if t.state != TaskRunning {
		t.mu.Unlock()
		return
	}
	t.progress = progress
	t.mu.Unlock()
	t.ProgressEvent.Fire(t)
}

// LazyHeartbeat suppresses the event if key equals the key passed to the
// previous LazyHeartbeat call, matching a conventional lazy_heartbeat(new,
// old) suppression rule. key is a caller-chosen comparable summary of
// progress (e.g. an integer percentage) rather than the progress payload
// itself, since payloads are typically maps and uncomparable.
func (t *Task) LazyHeartbeat(progress any, key int) {
	t.mu.Lock()
	if t.haveLazyKey && key == t.lazyKey {
		t.mu.Unlock()
		return
	}
	t.haveLazyKey = true
	t.lazyKey = key
	t.mu.Unlock()
	t.Heartbeat(progress)
}

// End transitions RUNNING -> ENDED with the given result. A no-op if not
// RUNNING (including from any terminal state).
func (t *Task) End(result any) {
	t.mu.Lock()
	if t.state != TaskRunning {
		t.mu.Unlock()
		return
	}
	t.state = TaskEnded
	t.result = result
	t.mu.Unlock()
	t.EndEvent.Fire(t)
	t.StoppedEvent.Fire(t)
}

// Fail transitions RUNNING -> FAILED with the given error payload. A no-op
// if not RUNNING.
func (t *Task) Fail(err any) {
	t.mu.Lock()
	if t.state != TaskRunning {
		t.mu.Unlock()
		return
	}
	t.state = TaskFailed
	t.err = err
	t.mu.Unlock()
	t.FailEvent.Fire(t)
	t.StoppedEvent.Fire(t)
}

// Cancel transitions PENDING or RUNNING -> CANCELED. Always safe to call
// and idempotent: a no-op once the task is already terminal.
func (t *Task) Cancel() {
	t.mu.Lock()
	if t.state.terminal() {
		t.mu.Unlock()
		return
	}
	t.state = TaskCanceled
	t.mu.Unlock()
	t.CancelEvent.Fire(t)
	t.StoppedEvent.Fire(t)
}
