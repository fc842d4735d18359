// Package machine implements the per-device actor: a state machine with a
// poll goroutine sampling device telemetry on an interval and a work
// goroutine running at most one Operation at a time, all guarded by a
// single mutex and condition variable.
package machine

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/makerforge/printerd/internal/async"
	"github.com/makerforge/printerd/internal/event"
)

// State is a Machine's connection/activity state.
type State int

const (
	Disconnected State = iota
	Busy
	Idle
	InOperation
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Busy:
		return "BUSY"
	case Idle:
		return "IDLE"
	case InOperation:
		return "OPERATION"
	default:
		return "UNKNOWN"
	}
}

// ErrMachineState is returned when an operation is requested in a state
// that doesn't permit it (print() outside IDLE, pause/unpause/cancel with
// no current operation).
type ErrMachineState struct{ Reason string }

func (e *ErrMachineState) Error() string { return "machine state: " + e.Reason }

// ProfileInfo is the minimal view of a device profile a Machine needs —
// just enough for identification and logging. The full Profile type lives
// in internal/driver; Machine depends only on this interface so the two
// packages don't import each other.
type ProfileInfo interface {
	ProfileName() string
}

// Operation is one running, cancellable unit of device work (print from
// file, i.e. MakeOperation/PrintToFileOperation).
// Concrete operations live in internal/operation; Machine depends only on
// this interface, supplied indirectly via OperationFactory.
type Operation interface {
	Run(ctx context.Context)
	Pause() error
	Unpause() error
	Cancel()
}

// OperationFactory builds the Operation backing a Print() call. Injected
// at construction so internal/machine never imports internal/operation.
type OperationFactory func(m *Machine, task *async.Task, params any) (Operation, error)

// Machine is a per-device actor: one condition variable guards all state;
// a poll goroutine and a work goroutine cooperate via it, matching
// the rule that a single condition variable guards all machine state.
type Machine struct {
	id      string
	logger  *log.Logger
	profile ProfileInfo

	mu    sync.Mutex
	cond  *sync.Cond
	state State

	device       DeviceHandle
	pollInterval time.Duration
	historyCap   int

	lastPoll    TelemetrySnapshot
	havePoll    bool
	history     []TelemetrySnapshot

	operation Operation
	task      *async.Task

	paused bool

	opFactory OperationFactory

	StateChanged       event.Event[State]
	TemperatureChanged event.Event[TelemetrySnapshot]

	cancel context.CancelFunc
	group  *errgroup.Group
}

// Option configures a Machine at construction time.
type Option func(*Machine)

// WithPollInterval overrides the default 5s poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(m *Machine) { m.pollInterval = d }
}

// WithHistoryCapacity overrides the default 200-snapshot telemetry ring
// buffer size.
func WithHistoryCapacity(n int) Option {
	return func(m *Machine) { m.historyCap = n }
}

// WithLogger overrides the default logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// New constructs a Machine in state DISCONNECTED. Call Connect to bind a
// device handle and start the poll/work goroutines.
func New(id string, profile ProfileInfo, opFactory OperationFactory, opts ...Option) *Machine {
	m := &Machine{
		id:           id,
		profile:      profile,
		opFactory:    opFactory,
		state:        Disconnected,
		pollInterval: 5 * time.Second,
		historyCap:   200,
		logger:       log.Default(),
	}
	m.cond = sync.NewCond(&m.mu)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ID returns the machine's identifier (the driver-assigned vid:pid:serial).
func (m *Machine) ID() string { return m.id }

// Profile returns the ProfileInfo this machine was constructed with.
func (m *Machine) Profile() ProfileInfo { return m.profile }

// State reports the current state under lock.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// History returns a copy of the buffered telemetry snapshots, oldest
// first, for the diagnostics.bundle RPC method and machine.history
// introspection.
func (m *Machine) History() []TelemetrySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TelemetrySnapshot, len(m.history))
	copy(out, m.history)
	return out
}

// CurrentTask returns the task backing the running operation, or nil.
func (m *Machine) CurrentTask() *async.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.task
}

// Connect acquires the driver-supplied device handle, queries firmware
// version and toolhead count, transitions to BUSY, performs one poll, and
// launches the poll and work goroutines.
func (m *Machine) Connect(device DeviceHandle) error {
	m.mu.Lock()
	if m.state != Disconnected {
		m.mu.Unlock()
		return &ErrMachineState{Reason: "already connected"}
	}
	m.device = device
	m.mu.Unlock()

	if _, err := device.GetVersion(); err != nil {
		return err
	}
	if _, err := device.GetToolheadCount(); err != nil {
		return err
	}

	m.mu.Lock()
	m.setState(Busy)
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	m.group = g
	g.Go(func() error { m.pollLoop(gctx); return nil })
	g.Go(func() error { m.workLoop(gctx); return nil })

	m.poll()
	return nil
}

// Stop asks both the poll and work goroutines to exit and waits for them,
// the Go-native rendering of "stop asks both threads to exit".
func (m *Machine) Stop() {
	m.mu.Lock()
	if m.cancel == nil {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	group := m.group
	m.mu.Unlock()

	cancel()
	m.cond.Broadcast()
	if group != nil {
		group.Wait()
	}
}

// disconnect closes the device handle, clears the operation, task and
// latest poll, and transitions to DISCONNECTED.
func (m *Machine) disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		m.device.Close()
		m.device = nil
	}
	m.operation = nil
	m.task = nil
	m.havePoll = false
	m.setState(Disconnected)
}

func (m *Machine) setState(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.cond.Broadcast()
	m.StateChanged.Fire(s)
}

// Print starts a MakeOperation-equivalent via the injected OperationFactory,
// transitioning to OPERATION. Rejects with ErrMachineState if not IDLE.
func (m *Machine) Print(params any) (*async.Task, error) {
	m.mu.Lock()
	if m.state != Idle {
		m.mu.Unlock()
		return nil, &ErrMachineState{Reason: "not idle"}
	}
	m.mu.Unlock()

	task := async.NewTask()
	op, err := m.opFactory(m, task, params)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.operation = op
	m.task = task
	m.setState(InOperation)
	m.mu.Unlock()

	return task, nil
}

// Pause delegates to the current operation; rejects if none exists.
func (m *Machine) Pause() error {
	op := m.currentOperation()
	if op == nil {
		return &ErrMachineState{Reason: "no current operation"}
	}
	return op.Pause()
}

// Unpause delegates to the current operation; rejects if none exists.
func (m *Machine) Unpause() error {
	op := m.currentOperation()
	if op == nil {
		return &ErrMachineState{Reason: "no current operation"}
	}
	return op.Unpause()
}

// Cancel delegates to the current operation; rejects if none exists.
func (m *Machine) Cancel() error {
	op := m.currentOperation()
	if op == nil {
		return &ErrMachineState{Reason: "no current operation"}
	}
	op.Cancel()
	return nil
}

func (m *Machine) currentOperation() Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.operation
}

// SetPaused records the pause flag the running Operation's line-execution
// loop polls; kept in sync with the device-side pause command by the
// operation calling it under this same lock discipline.
func (m *Machine) SetPaused(p bool) {
	m.mu.Lock()
	m.paused = p
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Paused reports the current pause flag.
func (m *Machine) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// WaitWhilePaused blocks the calling goroutine — conventionally the work
// goroutine running an Operation — until the machine is unpaused or ctx is
// done.
func (m *Machine) WaitWhilePaused(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		m.mu.Lock()
		for m.paused && ctx.Err() == nil {
			m.cond.Wait()
		}
		m.mu.Unlock()
		close(done)
	}()
	select {
	case <-ctx.Done():
		m.cond.Broadcast()
	case <-done:
	}
}

// WaitWhileButtonPending blocks the calling goroutine while the most
// recently polled motherboard status reports wait_for_button, waking on
// every subsequent poll (or ctx cancellation) rather than on a fixed
// timer, so the caller observes the same condition-variable-driven state
// the rest of the machine does during a button-wait phase.
func (m *Machine) WaitWhileButtonPending(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		m.mu.Lock()
		for m.havePoll && m.lastPoll.Motherboard.WaitForButton && ctx.Err() == nil {
			m.cond.Wait()
		}
		m.mu.Unlock()
		close(done)
	}()
	select {
	case <-ctx.Done():
		m.cond.Broadcast()
	case <-done:
	}
}

// Device exposes the bound device handle to the running Operation. Nil if
// disconnected.
func (m *Machine) Device() DeviceHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device
}

// clearOperation is called by the work loop once an operation finishes,
// clearing state back to IDLE (or leaving DISCONNECTED alone if a fatal
// error already tore the connection down).
func (m *Machine) clearOperation() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operation = nil
	m.task = nil
	m.paused = false
	if m.state == InOperation {
		m.setState(Idle)
	}
}

// pollLoop is the poll goroutine: wakes every pollInterval (or earlier on
// a broadcast) and samples device telemetry, classifying busy/idle
// transitions.
func (m *Machine) pollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.waitUntilPollDue(ctx)
		select {
		case <-ctx.Done():
			return
		default:
		}
		if m.State() == Disconnected {
			continue
		}
		m.poll()
	}
}

func (m *Machine) waitUntilPollDue(ctx context.Context) {
	timer := time.NewTimer(m.pollInterval)
	defer timer.Stop()
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		close(done)
	}()
	<-done
}

func (m *Machine) poll() {
	device := m.Device()
	if device == nil {
		return
	}

	mb, err := device.GetMotherboardStatus()
	if err != nil {
		m.handleDriverError(err)
		return
	}
	build, err := device.GetBuildStats()
	if err != nil {
		m.handleDriverError(err)
		return
	}
	platformTemp, err := device.GetPlatformTemperature(0)
	if err != nil {
		m.handleDriverError(err)
		return
	}
	platformReady, err := device.IsPlatformReady(0)
	if err != nil {
		m.handleDriverError(err)
		return
	}

	count, _ := device.GetToolheadCount()
	toolTemps := make([]float64, count)
	toolReady := make([]bool, count)
	for i := 0; i < count; i++ {
		t, err := device.GetToolheadTemperature(i)
		if err != nil {
			m.handleDriverError(err)
			return
		}
		r, err := device.IsToolReady(i)
		if err != nil {
			m.handleDriverError(err)
			return
		}
		toolTemps[i] = t
		toolReady[i] = r
	}

	snap := TelemetrySnapshot{
		Time:                time.Now(),
		Motherboard:         mb,
		Build:               build,
		PlatformTemperature: platformTemp,
		PlatformReady:       platformReady,
		ToolTemperatures:    toolTemps,
		ToolReady:           toolReady,
	}

	m.mu.Lock()
	tempChanged := !m.havePoll || m.lastPoll.PlatformTemperature != snap.PlatformTemperature || toolTempsDiffer(m.lastPoll.ToolTemperatures, snap.ToolTemperatures)
	wasBusy := m.state == Busy
	m.lastPoll = snap
	m.havePoll = true
	m.history = append(m.history, snap)
	if len(m.history) > m.historyCap {
		m.history = m.history[len(m.history)-m.historyCap:]
	}
	busyNow := snap.Motherboard.Busy()
	if wasBusy && !busyNow && build.IsFinished {
		m.setState(Idle)
	} else if !wasBusy && busyNow && m.state != InOperation && m.state != Disconnected {
		m.setState(Busy)
	}
	m.cond.Broadcast()
	m.mu.Unlock()

	if tempChanged {
		m.TemperatureChanged.Fire(snap)
	}
}

func toolTempsDiffer(a, b []float64) bool {
	if len(a) != len(b) {
		return true
	}
	for i := range a {
		if a[i] != b[i] {
			return true
		}
	}
	return false
}

// handleDriverError applies the driver error classification table:
// active-build moves to BUSY; build-cancelled/external-stop cancel and
// clear the current task; both keep the connection. Everything else
// disconnects.
func (m *Machine) handleDriverError(err error) {
	switch err.(type) {
	case *ActiveBuildError:
		m.mu.Lock()
		m.setState(Busy)
		m.mu.Unlock()
	case *BuildCancelledError, *ExternalStopError:
		m.mu.Lock()
		task := m.task
		m.operation = nil
		m.task = nil
		m.mu.Unlock()
		if task != nil {
			task.Cancel()
		}
	default:
		m.logger.Printf("machine %s: fatal driver error: %v", m.id, err)
		m.disconnect()
	}
}

// workLoop is the work goroutine: waits for an operation to be assigned,
// runs it to completion, clears it, waits again.
func (m *Machine) workLoop(ctx context.Context) {
	for {
		op, done := m.waitForOperation(ctx)
		if done {
			return
		}
		op.Run(ctx)
		m.clearOperation()
	}
}

func (m *Machine) waitForOperation(ctx context.Context) (Operation, bool) {
	result := make(chan Operation, 1)
	go func() {
		m.mu.Lock()
		for m.operation == nil && m.state != Disconnected {
			m.cond.Wait()
		}
		op := m.operation
		m.mu.Unlock()
		result <- op
	}()
	select {
	case <-ctx.Done():
		m.cond.Broadcast()
		return nil, true
	case op := <-result:
		if op == nil {
			return nil, true
		}
		return op, false
	}
}
