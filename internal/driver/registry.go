package driver

import (
	"bufio"
	"context"
	"log"
	"os"

	"golang.org/x/sync/singleflight"

	"github.com/makerforge/printerd/internal/async"
	"github.com/makerforge/printerd/internal/machine"
)

// Registry is the driver: it enumerates profiles and binds discovered
// ports to machines.
type Registry struct {
	logger    *log.Logger
	connector Connector
	opFactory machine.OperationFactory

	profiles map[string]*Profile

	bindGroup singleflight.Group
}

// NewRegistry constructs a Registry over a fixed profile catalog. opFactory
// is threaded through to every machine.Machine this registry creates.
func NewRegistry(profiles []*Profile, connector Connector, opFactory machine.OperationFactory, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	byName := make(map[string]*Profile, len(profiles))
	for _, p := range profiles {
		byName[p.Name] = p
	}
	return &Registry{
		logger:    logger,
		connector: connector,
		opFactory: opFactory,
		profiles:  byName,
	}
}

// GetProfiles returns all profiles, or (if port is non-nil) only those
// whose matcher accepts the port.
func (r *Registry) GetProfiles(port *Port) []*Profile {
	out := make([]*Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		if port == nil || p.matchesPort(port) {
			out = append(out, p)
		}
	}
	return out
}

// GetProfile looks up a profile by name, failing with ErrUnknownProfile if
// absent.
func (r *Registry) GetProfile(name string) (*Profile, error) {
	p, ok := r.profiles[name]
	if !ok {
		return nil, &ErrUnknownProfile{Name: name}
	}
	return p, nil
}

// NewMachineFromPort binds port to a Machine, connecting it if not already
// bound. If a profile is already bound and the caller specified a
// different one, fails with ErrProfileMismatch.
//
// Concurrent callers racing to bind the same port are coalesced via
// singleflight keyed on the port path, so only one connect attempt runs;
// every caller observes the same resulting Machine or error.
func (r *Registry) NewMachineFromPort(ctx context.Context, port *Port, profile *Profile) (*machine.Machine, error) {
	if existing := port.BoundMachine(); existing != nil {
		if profile != nil && profile.Name != existing.ProfileName() {
			return nil, &ErrProfileMismatch{}
		}
		return existing, nil
	}

	v, err, _ := r.bindGroup.Do(port.Path, func() (any, error) {
		if existing := port.BoundMachine(); existing != nil {
			return existing, nil
		}
		device, resolvedProfile, err := r.connector.Connect(ctx, port)
		if err != nil {
			return nil, err
		}
		if profile != nil {
			resolvedProfile = profile
		}
		m := machine.New(r.machineID(port), resolvedProfile, r.opFactory, machine.WithLogger(r.logger))
		if err := m.Connect(device); err != nil {
			return nil, err
		}
		port.bind(m)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*machine.Machine), nil
}

func (r *Registry) machineID(port *Port) string {
	return formatMachineID(port.VID, port.PID, port.ISerial)
}

func formatMachineID(vid, pid uint16, iserial string) string {
	const hexDigits = "0123456789ABCDEF"
	toHex4 := func(v uint16) string {
		b := [4]byte{}
		for i := 3; i >= 0; i-- {
			b[i] = hexDigits[v&0xF]
			v >>= 4
		}
		return string(b[:])
	}
	return toHex4(vid) + ":" + toHex4(pid) + ":" + iserial
}

// LineExecutor is the out-of-scope G-code parser collaborator:
// state.profile/state.set_build_name/percentage/environment/
// execute_line rendered as a small Go interface.
type LineExecutor interface {
	SetBuildName(name string)
	SetEnvironment(vars map[string]any)
	ExecuteLine(line string) error
	Percentage() float64
}

// PrintToFileOptions mirrors the original print_to_file's parameter list
// minus profile/paths/task which PrintToFile takes
// directly.
type PrintToFileOptions struct {
	SkipStartEnd        bool
	Extruders           []string
	ExtruderTemperature float64
	PlatformTemperature float64
	Material            string
	BuildName           string
}

// PrintToFile runs synchronously within the caller's goroutine, streaming
// G-code through exec rather than a device. It creates (or truncates)
// outputPath, but writes nothing to it: each line goes only to exec.
func (r *Registry) PrintToFile(profile *Profile, inputPath, outputPath string, opts PrintToFileOptions, exec LineExecutor, task *async.Task) {
	out, err := os.Create(outputPath)
	if err != nil {
		task.Fail(err)
		return
	}
	defer out.Close()

	exec.SetBuildName(opts.BuildName)
	start, end, vars, err := profile.GetGcodeScaffold(opts.Extruders, opts.ExtruderTemperature, opts.PlatformTemperature, opts.Material)
	if err != nil {
		task.Fail(err)
		return
	}
	exec.SetEnvironment(vars)

	task.LazyHeartbeat(printToFileProgress(0), 0)

	if !opts.SkipStartEnd {
		if err := r.executeLines(task, exec, start); err != nil {
			task.Fail(err)
			return
		}
	}

	if task.State() == async.TaskRunning {
		in, err := os.Open(inputPath)
		if err != nil {
			task.Fail(err)
			return
		}
		err = r.executeLinesFromFile(task, exec, in)
		in.Close()
		if err != nil {
			task.Fail(err)
			return
		}
	}

	if !opts.SkipStartEnd {
		if err := r.executeLines(task, exec, end); err != nil {
			task.Fail(err)
			return
		}
	}

	if task.State() == async.TaskRunning {
		task.LazyHeartbeat(printToFileProgress(100), 100)
		task.End(nil)
	}
}

func (r *Registry) executeLines(task *async.Task, exec LineExecutor, lines []string) error {
	for _, line := range lines {
		if task.State() != async.TaskRunning {
			return nil
		}
		if err := exec.ExecuteLine(line); err != nil {
			return err
		}
		pct := int(exec.Percentage())
		task.LazyHeartbeat(printToFileProgress(pct), pct)
	}
	return nil
}

func (r *Registry) executeLinesFromFile(task *async.Task, exec LineExecutor, in *os.File) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if task.State() != async.TaskRunning {
			return nil
		}
		if err := exec.ExecuteLine(scanner.Text()); err != nil {
			return err
		}
		pct := int(exec.Percentage())
		task.LazyHeartbeat(printToFileProgress(pct), pct)
	}
	return scanner.Err()
}

func printToFileProgress(pct int) map[string]any {
	return map[string]any{"name": "print-to-file", "progress": pct}
}
