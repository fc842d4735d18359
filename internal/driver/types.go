// Package driver implements the device profile catalog and the Port →
// Machine binding registry: the Driver/Profile component.
package driver

import (
	"context"
	"sync"

	"github.com/makerforge/printerd/internal/machine"
)

// Port is a discovered device endpoint. Ports are created by an
// out-of-scope discovery subsystem; a port may be bound to at most one
// Machine at a time.
type Port struct {
	VID     uint16
	PID     uint16
	ISerial string
	Path    string

	mu      sync.Mutex
	machine *machine.Machine // weak reference: the bound machine, if any
}

// BoundMachine returns the machine currently bound to this port, or nil.
func (p *Port) BoundMachine() *machine.Machine {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.machine
}

func (p *Port) bind(m *machine.Machine) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.machine = m
}

// ScaffoldAssembler is the out-of-scope G-code assembly collaborator
// (G-code parsing is out of scope). Profile.GetGcodeScaffold
// delegates the actual template assembly to it.
type ScaffoldAssembler interface {
	AssembleRecipe(extruders []string, material string) (startTemplate, endTemplate []string, variables map[string]any, err error)
	AssembleStartSequence(template []string) ([]string, error)
	AssembleEndSequence(template []string) ([]string, error)
}

// Profile is a value object describing one device model: platform
// geometry, capability flags, and a matching predicate over (vid, pid)
//
type Profile struct {
	Name                string
	XSize, YSize, ZSize float64
	CanPrint            bool
	CanPrintToFile      bool
	HasHeatedPlatform   bool
	NumberOfTools       int

	matches   func(vid, pid uint16) bool
	scaffolds ScaffoldAssembler
}

// ProfileName satisfies machine.ProfileInfo.
func (p *Profile) ProfileName() string { return p.Name }

// NewProfile constructs a Profile. matches is the (vid, pid) predicate
// used by Registry.GetProfiles when filtering by port.
func NewProfile(name string, xsize, ysize, zsize float64, canPrint, canPrintToFile, hasHeatedPlatform bool, numberOfTools int, matches func(vid, pid uint16) bool, scaffolds ScaffoldAssembler) *Profile {
	return &Profile{
		Name:              name,
		XSize:             xsize,
		YSize:             ysize,
		ZSize:             zsize,
		CanPrint:          canPrint,
		CanPrintToFile:    canPrintToFile,
		HasHeatedPlatform: hasHeatedPlatform,
		NumberOfTools:     numberOfTools,
		matches:           matches,
		scaffolds:         scaffolds,
	}
}

func (p *Profile) matchesPort(port *Port) bool {
	if p.matches == nil {
		return false
	}
	return p.matches(port.VID, port.PID)
}

// GetGcodeScaffold returns the start/end line scaffold and the variable
// substitution environment the G-code parser reads.
func (p *Profile) GetGcodeScaffold(extruders []string, extruderTemperature, platformTemperature float64, material string) (start, end []string, variables map[string]any, err error) {
	startTemplate, endTemplate, vars, err := p.scaffolds.AssembleRecipe(extruders, material)
	if err != nil {
		return nil, nil, nil, err
	}
	start, err = p.scaffolds.AssembleStartSequence(startTemplate)
	if err != nil {
		return nil, nil, nil, err
	}
	end, err = p.scaffolds.AssembleEndSequence(endTemplate)
	if err != nil {
		return nil, nil, nil, err
	}
	if vars == nil {
		vars = make(map[string]any)
	}
	vars["TOOL_0_TEMP"] = extruderTemperature
	vars["TOOL_1_TEMP"] = extruderTemperature
	vars["PLATFORM_TEMP"] = platformTemperature
	return start, end, vars, nil
}

// ErrUnknownProfile is returned by GetProfile for an unregistered name.
type ErrUnknownProfile struct{ Name string }

func (e *ErrUnknownProfile) Error() string { return "unknown profile: " + e.Name }

// ErrProfileMismatch is returned by NewMachineFromPort when the caller
// specified a profile incompatible with the port's already-bound machine.
type ErrProfileMismatch struct{}

func (e *ErrProfileMismatch) Error() string { return "profile mismatch" }

// Connector is the out-of-scope vendor connection collaborator: it turns
// a discovered port into a live device.DeviceHandle and resolves which
// profile that device actually is. Vendor serial protocol implementation
// is out of scope; this interface is the seam.
type Connector interface {
	Connect(ctx context.Context, port *Port) (machine.DeviceHandle, *Profile, error)
}
