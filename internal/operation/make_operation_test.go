package operation

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/makerforge/printerd/internal/async"
	"github.com/makerforge/printerd/internal/driver"
	"github.com/makerforge/printerd/internal/machine"
)

type fakeScaffolder struct{}

func (fakeScaffolder) AssembleRecipe(extruders []string, material string) ([]string, []string, map[string]any, error) {
	return []string{"M136"}, []string{"M137"}, map[string]any{}, nil
}
func (fakeScaffolder) AssembleStartSequence(t []string) ([]string, error) { return t, nil }
func (fakeScaffolder) AssembleEndSequence(t []string) ([]string, error)   { return t, nil }

func testProfile() *driver.Profile {
	return driver.NewProfile("replicator2", 100, 100, 100, true, true, true, 1,
		func(v, p uint16) bool { return true }, fakeScaffolder{})
}

type fakeParser struct {
	mu    sync.Mutex
	lines []string
	pct   float64
	fail  error
}

func (p *fakeParser) SetBuildName(string)           {}
func (p *fakeParser) SetEnvironment(map[string]any) {}
func (p *fakeParser) Percentage() float64            { return p.pct }
func (p *fakeParser) ExecuteLine(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		err := p.fail
		p.fail = nil
		return err
	}
	p.lines = append(p.lines, line)
	p.pct += 25
	return nil
}

type fakeDevice struct {
	mu             sync.Mutex
	paused         bool
	aborted        bool
	externalStop   bool
	resetCalled    bool
	waitForButton  bool
}

func (d *fakeDevice) GetVersion() (string, error)                    { return "v1", nil }
func (d *fakeDevice) GetToolheadCount() (int, error)                 { return 1, nil }
func (d *fakeDevice) GetMotherboardStatus() (machine.MotherboardStatus, error) {
	return machine.MotherboardStatus{}, nil
}
func (d *fakeDevice) GetBuildStats() (machine.BuildStats, error) { return machine.BuildStats{IsFinished: true}, nil }
func (d *fakeDevice) GetPlatformTemperature(int) (float64, error) { return 0, nil }
func (d *fakeDevice) IsPlatformReady(int) (bool, error)           { return true, nil }
func (d *fakeDevice) GetToolStatus(int) (machine.ToolStatus, error) {
	return machine.ToolStatus{Ready: true}, nil
}
func (d *fakeDevice) GetToolheadTemperature(int) (float64, error) { return 0, nil }
func (d *fakeDevice) IsToolReady(int) (bool, error)               { return true, nil }
func (d *fakeDevice) IsFinished() (bool, error)                   { return true, nil }
func (d *fakeDevice) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetCalled = true
	return nil
}
func (d *fakeDevice) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = !d.paused
	return nil
}
func (d *fakeDevice) DisplayMessage(string) error { return nil }
func (d *fakeDevice) WaitForButton(string, int, bool, bool, bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.waitForButton = true
	return nil
}
func (d *fakeDevice) AbortImmediately() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.aborted = true
	return nil
}
func (d *fakeDevice) SetExternalStop(b bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.externalStop = b
}
func (d *fakeDevice) Close() error { return nil }

func connectedMachine(t *testing.T, dev machine.DeviceHandle) *machine.Machine {
	t.Helper()
	m := machine.New("m1", testProfile(), nil)
	if err := m.Connect(dev); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(m.Stop)
	return m
}

func TestMakeOperationHappyPath(t *testing.T) {
	dev := &fakeDevice{}
	m := connectedMachine(t, dev)

	dir := t.TempDir()
	input := filepath.Join(dir, "in.gcode")
	if err := os.WriteFile(input, []byte("G1 X0\nG1 X10\n"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	task := async.NewTask()
	parser := &fakeParser{}
	op := &MakeOperation{m: m, task: task, params: PrintParams{
		Profile:   testProfile(),
		InputPath: input,
		Parser:    parser,
	}}

	op.Run(context.Background())

	if task.State() != async.TaskEnded {
		t.Fatalf("task state = %v, want ENDED", task.State())
	}
	if !dev.resetCalled || !dev.waitForButton {
		t.Fatalf("expected device Reset and WaitForButton to be called")
	}
	if len(parser.lines) != 4 { // start(1) + 2 input lines + end(1)
		t.Fatalf("executed %d lines, want 4: %v", len(parser.lines), parser.lines)
	}
}

func TestMakeOperationAlreadyCanceledTaskStaysCanceled(t *testing.T) {
	dev := &fakeDevice{}
	m := connectedMachine(t, dev)

	dir := t.TempDir()
	input := filepath.Join(dir, "in.gcode")
	os.WriteFile(input, []byte("G1 X0\n"), 0o644)

	task := async.NewTask()
	task.Start()
	task.Cancel()

	parser := &fakeParser{}
	op := &MakeOperation{m: m, task: task, params: PrintParams{
		Profile:   testProfile(),
		InputPath: input,
		Parser:    parser,
	}}
	op.Run(context.Background())

	if task.State() != async.TaskCanceled {
		t.Fatalf("task state = %v, want CANCELED", task.State())
	}
}

func TestMakeOperationPauseUnpauseSyncsDevice(t *testing.T) {
	dev := &fakeDevice{}
	m := connectedMachine(t, dev)
	task := async.NewTask()
	op := &MakeOperation{m: m, task: task, params: PrintParams{Profile: testProfile()}}

	if err := op.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if !m.Paused() {
		t.Fatal("machine not marked paused")
	}
	dev.mu.Lock()
	paused := dev.paused
	dev.mu.Unlock()
	if !paused {
		t.Fatal("device pause command not toggled")
	}

	if err := op.Unpause(); err != nil {
		t.Fatalf("Unpause: %v", err)
	}
	if m.Paused() {
		t.Fatal("machine still marked paused after Unpause")
	}
}

func TestPrintToFileOperationRunsSynchronously(t *testing.T) {
	reg := driver.NewRegistry(nil, nil, nil, nil)
	profile := testProfile()

	dir := t.TempDir()
	input := filepath.Join(dir, "in.gcode")
	output := filepath.Join(dir, "out.gcode")
	os.WriteFile(input, []byte("G1 X0\n"), 0o644)

	task := async.NewTask()
	parser := &fakeParser{}
	op := NewPrintToFileOperation(reg, profile, input, output, driver.PrintToFileOptions{}, parser, task)
	op.Run(context.Background())

	if task.State() != async.TaskEnded {
		t.Fatalf("task state = %v, want ENDED", task.State())
	}
	if err := op.Pause(); err != ErrPauseUnsupported {
		t.Fatalf("Pause error = %v, want ErrPauseUnsupported", err)
	}
}
