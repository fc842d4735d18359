package machine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/makerforge/printerd/internal/async"
)

type fakeProfile struct{ name string }

func (p fakeProfile) ProfileName() string { return p.name }

// fakeDevice is a hand-written DeviceHandle fake, in the package's
// lifecycle/manager_test.go style (no mocking library).
type fakeDevice struct {
	mu        sync.Mutex
	closed    bool
	busy      bool
	finished  bool
	platform  float64
	toolTemp  float64
	toolCount int
	pollErr   error
}

func newFakeDevice() *fakeDevice { return &fakeDevice{toolCount: 1, finished: true} }

func (d *fakeDevice) GetVersion() (string, error)      { return "v1", nil }
func (d *fakeDevice) GetToolheadCount() (int, error)   { return d.toolCount, nil }
func (d *fakeDevice) IsFinished() (bool, error)        { return d.finished, nil }
func (d *fakeDevice) Reset() error                      { return nil }
func (d *fakeDevice) Pause() error                      { return nil }
func (d *fakeDevice) DisplayMessage(string) error       { return nil }
func (d *fakeDevice) AbortImmediately() error           { return nil }
func (d *fakeDevice) SetExternalStop(bool)              {}
func (d *fakeDevice) WaitForButton(string, int, bool, bool, bool) error { return nil }

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDevice) GetMotherboardStatus() (MotherboardStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pollErr != nil {
		return MotherboardStatus{}, d.pollErr
	}
	return MotherboardStatus{OnboardProcess: d.busy}, nil
}

func (d *fakeDevice) GetBuildStats() (BuildStats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return BuildStats{IsFinished: d.finished}, nil
}

func (d *fakeDevice) GetPlatformTemperature(int) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.platform, nil
}

func (d *fakeDevice) IsPlatformReady(int) (bool, error) { return true, nil }

func (d *fakeDevice) GetToolStatus(int) (ToolStatus, error) { return ToolStatus{Ready: true}, nil }

func (d *fakeDevice) GetToolheadTemperature(int) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.toolTemp, nil
}

func (d *fakeDevice) IsToolReady(int) (bool, error) { return true, nil }

func (d *fakeDevice) setBusy(b bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.busy = b
}

// fakeOperation is a no-collaborator Operation fake for exercising Print/
// Pause/Unpause/Cancel dispatch without the real operation package.
type fakeOperation struct {
	mu       sync.Mutex
	paused   bool
	canceled bool
	ran      chan struct{}
	block    chan struct{}
}

func newFakeOperation() *fakeOperation {
	return &fakeOperation{ran: make(chan struct{}), block: make(chan struct{})}
}

func (o *fakeOperation) Run(ctx context.Context) {
	close(o.ran)
	select {
	case <-o.block:
	case <-ctx.Done():
	}
}

func (o *fakeOperation) Pause() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.paused = true
	return nil
}

func (o *fakeOperation) Unpause() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.paused = false
	return nil
}

func (o *fakeOperation) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.canceled = true
	close(o.block)
}

func newTestMachine(factory OperationFactory) *Machine {
	return New("test-machine", fakeProfile{name: "replicator"}, factory, WithPollInterval(10*time.Millisecond))
}

func TestConnectTransitionsThroughBusyToIdle(t *testing.T) {
	m := newTestMachine(nil)
	dev := newFakeDevice()
	dev.finished = true

	if err := m.Connect(dev); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer m.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if m.State() == Idle {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want IDLE within deadline", m.State())
}

func TestDisconnectedImpliesNoDeviceHandle(t *testing.T) {
	m := newTestMachine(nil)
	if m.State() != Disconnected {
		t.Fatalf("initial state = %v, want DISCONNECTED", m.State())
	}
	if m.Device() != nil {
		t.Fatal("device handle should be nil while disconnected")
	}
}

func TestPrintRejectedWhenNotIdle(t *testing.T) {
	m := newTestMachine(func(*Machine, *async.Task, any) (Operation, error) {
		return newFakeOperation(), nil
	})
	// Still DISCONNECTED: Print must reject.
	if _, err := m.Print(nil); err == nil {
		t.Fatal("expected ErrMachineState when not idle")
	}
}

func TestPrintRunsOperationAndReturnsToIdle(t *testing.T) {
	var op *fakeOperation
	m := newTestMachine(func(mm *Machine, task *async.Task, params any) (Operation, error) {
		op = newFakeOperation()
		return op, nil
	})
	dev := newFakeDevice()
	if err := m.Connect(dev); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer m.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && m.State() != Idle {
		time.Sleep(5 * time.Millisecond)
	}
	if m.State() != Idle {
		t.Fatalf("never reached IDLE, state = %v", m.State())
	}

	task, err := m.Print(nil)
	if err != nil {
		t.Fatalf("Print: %v", err)
	}
	if m.State() != InOperation {
		t.Fatalf("state after Print = %v, want OPERATION", m.State())
	}

	select {
	case <-op.ran:
	case <-time.After(time.Second):
		t.Fatal("operation never started")
	}

	if err := m.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && m.State() != Idle {
		time.Sleep(5 * time.Millisecond)
	}
	if m.State() != Idle {
		t.Fatalf("state after operation finished = %v, want IDLE", m.State())
	}
	_ = task
}

func TestPauseUnpauseRejectedWithNoOperation(t *testing.T) {
	m := newTestMachine(nil)
	if err := m.Pause(); err == nil {
		t.Fatal("expected error pausing with no operation")
	}
	if err := m.Unpause(); err == nil {
		t.Fatal("expected error unpausing with no operation")
	}
	if err := m.Cancel(); err == nil {
		t.Fatal("expected error cancelling with no operation")
	}
}

func TestDriverFatalErrorDisconnects(t *testing.T) {
	m := newTestMachine(nil)
	dev := newFakeDevice()
	if err := m.Connect(dev); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer m.Stop()

	dev.mu.Lock()
	dev.pollErr = &ProtocolError{Reason: "desync"}
	dev.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && m.State() != Disconnected {
		time.Sleep(5 * time.Millisecond)
	}
	if m.State() != Disconnected {
		t.Fatalf("state = %v, want DISCONNECTED after fatal driver error", m.State())
	}
}

func TestHistoryAccumulatesSnapshots(t *testing.T) {
	m := newTestMachine(nil)
	m.historyCap = 3
	dev := newFakeDevice()
	if err := m.Connect(dev); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer m.Stop()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if len(m.History()) >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	hist := m.History()
	if len(hist) > 3 {
		t.Fatalf("history len = %d, want capped at 3", len(hist))
	}
	if len(hist) == 0 {
		t.Fatal("expected at least one snapshot")
	}
}
