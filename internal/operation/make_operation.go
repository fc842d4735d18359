// Package operation implements the machine.Operation variants: MakeOperation
// (print from file, run on the machine's work goroutine against a live
// device) and PrintToFileOperation (structurally identical but runs
// synchronously through Registry.PrintToFile instead of a device).
package operation

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/makerforge/printerd/internal/async"
	"github.com/makerforge/printerd/internal/driver"
	"github.com/makerforge/printerd/internal/machine"
)

const bufferOverflowRetryDelay = 200 * time.Millisecond

// PrintOptions mirrors print()'s parameter list, minus the
// profile/input path/task which the caller supplies
// directly.
type PrintOptions struct {
	SkipStartEnd        bool
	Extruders           []string
	ExtruderTemperature float64
	PlatformTemperature float64
	Material            string
	BuildName           string
}

// PrintParams is the argument MakeOperationFactory expects via
// machine.Machine.Print's params any parameter.
type PrintParams struct {
	Profile   *driver.Profile
	InputPath string
	Options   PrintOptions
	Parser    driver.LineExecutor
}

// MakeOperation runs a print-from-file against a live device: button-wait,
// start sequence, input lines, end sequence, with pause/unpause toggling
// the device's pause command and cancel aborting the device immediately
//
type MakeOperation struct {
	m      *machine.Machine
	task   *async.Task
	params PrintParams
	logger *log.Logger
}

// NewMakeOperationFactory returns a machine.OperationFactory that builds a
// MakeOperation from a PrintParams value passed through Machine.Print.
func NewMakeOperationFactory(logger *log.Logger) machine.OperationFactory {
	if logger == nil {
		logger = log.Default()
	}
	return func(m *machine.Machine, task *async.Task, params any) (machine.Operation, error) {
		p, ok := params.(PrintParams)
		if !ok {
			return nil, &machine.ErrMachineState{Reason: "print params must be operation.PrintParams"}
		}
		return &MakeOperation{m: m, task: task, params: p, logger: logger}, nil
	}
}

// Run implements machine.Operation. It is invoked on the machine's work
// goroutine.
func (op *MakeOperation) Run(ctx context.Context) {
	task := op.task
	device := op.m.Device()

	if task.State() != async.TaskRunning {
		task.Start()
	}
	if task.State() != async.TaskRunning {
		return // already cancelled before the work goroutine picked it up
	}

	task.CancelEvent.Attach(func(*async.Task) {
		if device != nil {
			device.SetExternalStop(true)
			device.AbortImmediately()
		}
	})

	start, end, vars, err := op.params.Profile.GetGcodeScaffold(
		op.params.Options.Extruders, op.params.Options.ExtruderTemperature,
		op.params.Options.PlatformTemperature, op.params.Options.Material)
	if err != nil {
		op.finishWith(err)
		return
	}
	op.params.Parser.SetEnvironment(vars)

	if device == nil {
		op.finishWith(&machine.ErrMachineState{Reason: "no device bound"})
		return
	}
	if err := device.Reset(); err != nil {
		op.finishWith(err)
		return
	}
	device.DisplayMessage("clear build plate")
	if err := op.waitForButton(ctx, device, "center"); err != nil {
		op.finishWith(err)
		return
	}

	task.LazyHeartbeat(progress(0), 0)

	if !op.params.Options.SkipStartEnd {
		if err := op.executeLines(ctx, start); err != nil {
			op.finishWith(err)
			return
		}
	}

	if task.State() == async.TaskRunning {
		if err := op.executeLinesFromFile(ctx, op.params.InputPath); err != nil {
			op.finishWith(err)
			return
		}
	}

	if !op.params.Options.SkipStartEnd {
		if err := op.executeLines(ctx, end); err != nil {
			op.finishWith(err)
			return
		}
	}

	if task.State() == async.TaskRunning {
		task.LazyHeartbeat(progress(100), 100)
		task.End(nil)
	}
}

// waitForButton asks device to wait for the physical button press (the
// device driver is the only collaborator that knows when that happens)
// while looping on the machine's poll-derived motherboard_status.wait_for_button
// through its condition variable, rather than blocking opaquely on the
// device call alone, so the button-wait phase stays observable the same
// way pause and cancellation already are.
func (op *MakeOperation) waitForButton(ctx context.Context, device machine.DeviceHandle, name string) error {
	result := make(chan error, 1)
	go func() { result <- device.WaitForButton(name, 0, true, false, false) }()

	for {
		select {
		case err := <-result:
			return err
		default:
		}
		op.m.WaitWhileButtonPending(ctx)
		select {
		case err := <-result:
			return err
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// finishWith classifies the error: build-cancelled/external-stop cancel
// the task (a no-op if it is already terminal), and the work loop clears
// the operation once Run returns; anything else fails the task.
func (op *MakeOperation) finishWith(err error) {
	switch err.(type) {
	case *machine.BuildCancelledError, *machine.ExternalStopError:
		op.task.Cancel()
	default:
		op.logger.Printf("make-operation: unhandled exception: %v", err)
		op.task.Fail(err)
	}
}

func (op *MakeOperation) executeLines(ctx context.Context, lines []string) error {
	for _, line := range lines {
		if op.task.State() != async.TaskRunning {
			return nil
		}
		if err := op.executeOneLine(ctx, line); err != nil {
			return err
		}
	}
	return nil
}

func (op *MakeOperation) executeLinesFromFile(ctx context.Context, path string) error {
	lines, err := readLines(path)
	if err != nil {
		return err
	}
	return op.executeLines(ctx, lines)
}

// executeOneLine blocks while paused, then executes one line, retrying
// with a short sleep on a buffer-overflow condition, and publishes a
// lazy_heartbeat with the integer percentage only when it changed.
func (op *MakeOperation) executeOneLine(ctx context.Context, line string) error {
	op.m.WaitWhilePaused(ctx)

	for {
		err := op.params.Parser.ExecuteLine(strings.TrimSpace(line))
		if err == nil {
			break
		}
		if _, ok := err.(*machine.BufferOverflowError); ok {
			select {
			case <-time.After(bufferOverflowRetryDelay):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		return err
	}

	pct := int(op.params.Parser.Percentage())
	op.task.LazyHeartbeat(progress(pct), pct)
	return nil
}

// Pause toggles the internal pause flag and the driver's pause command,
// which itself toggles device-side pause state; the two are kept
// synchronized by always changing both together.
func (op *MakeOperation) Pause() error {
	op.m.SetPaused(true)
	if device := op.m.Device(); device != nil {
		return device.Pause()
	}
	return nil
}

// Unpause is Pause's inverse.
func (op *MakeOperation) Unpause() error {
	op.m.SetPaused(false)
	if device := op.m.Device(); device != nil {
		return device.Pause()
	}
	return nil
}

// Cancel cancels the task if it is still running; the CancelEvent
// listener registered in Run aborts the device.
func (op *MakeOperation) Cancel() {
	op.task.Cancel()
}

func progress(pct int) map[string]any {
	return map[string]any{"name": "print", "progress": pct}
}
