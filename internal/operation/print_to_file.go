package operation

import (
	"context"
	"errors"

	"github.com/makerforge/printerd/internal/async"
	"github.com/makerforge/printerd/internal/driver"
)

// ErrPauseUnsupported is returned by PrintToFileOperation.Pause/Unpause:
// print-to-file has no device-side pause command to stay synchronized
// with.
var ErrPauseUnsupported = errors.New("print-to-file does not support pause/unpause")

// PrintToFileOperation is structurally identical to MakeOperation but
// runs through Registry.PrintToFile (which creates the output file and
// passes each line to the parser without writing to that file itself) and
// does not interact with a physical device; it skips button-wait and temperature observation and
// runs synchronously in the caller's goroutine rather than a machine's
// work goroutine.
type PrintToFileOperation struct {
	registry *driver.Registry
	profile  *driver.Profile
	input    string
	output   string
	options  driver.PrintToFileOptions
	parser   driver.LineExecutor
	task     *async.Task
}

// NewPrintToFileOperation builds a PrintToFileOperation. Unlike
// MakeOperation it is not constructed through a machine.OperationFactory:
// it has no Machine, so callers invoke Run directly.
func NewPrintToFileOperation(registry *driver.Registry, profile *driver.Profile, input, output string, options driver.PrintToFileOptions, parser driver.LineExecutor, task *async.Task) *PrintToFileOperation {
	return &PrintToFileOperation{
		registry: registry,
		profile:  profile,
		input:    input,
		output:   output,
		options:  options,
		parser:   parser,
		task:     task,
	}
}

// Run executes the print-to-file synchronously; ctx is accepted only to
// satisfy machine.Operation's shape and is not consulted (print-to-file
// has no device I/O to cancel mid-line beyond the task's own state, which
// Registry.PrintToFile already checks every line).
func (op *PrintToFileOperation) Run(ctx context.Context) {
	op.task.Start()
	op.registry.PrintToFile(op.profile, op.input, op.output, op.options, op.parser, op.task)
}

// Pause is unsupported: print-to-file has no device-side pause command to
// stay synchronized with.
func (op *PrintToFileOperation) Pause() error {
	return ErrPauseUnsupported
}

// Unpause is unsupported for the same reason as Pause.
func (op *PrintToFileOperation) Unpause() error {
	return ErrPauseUnsupported
}

// Cancel cancels the backing task; Registry.PrintToFile's per-line state
// check then unwinds on the next iteration.
func (op *PrintToFileOperation) Cancel() {
	op.task.Cancel()
}
