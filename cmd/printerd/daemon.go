package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/makerforge/printerd/internal/diagnostics"
	"github.com/makerforge/printerd/internal/driver"
	"github.com/makerforge/printerd/internal/machine"
	"github.com/makerforge/printerd/internal/operation"
	"github.com/makerforge/printerd/internal/rpc"
)

// Daemon owns the driver registry and the set of machines bound so far. It
// accepts connections on a unix socket and serves one rpc.Endpoint per
// connection, all sharing the same registry and machine set — mirroring
// aegisd's single api.Server fronting one lifecycle.Manager.
type Daemon struct {
	logger   *log.Logger
	registry *driver.Registry

	mu       sync.Mutex
	machines map[string]*machine.Machine

	ln net.Listener
}

// NewDaemon constructs a Daemon with a fixed profile catalog, an
// out-of-scope device connector, and the print-from-file operation
// factory wired in.
func NewDaemon(logger *log.Logger) *Daemon {
	d := &Daemon{
		logger:   logger,
		machines: make(map[string]*machine.Machine),
	}
	opFactory := operation.NewMakeOperationFactory(logger)
	d.registry = driver.NewRegistry(defaultProfiles(), stubConnector{}, opFactory, logger)
	return d
}

// Serve accepts connections on socketPath until the listener is closed.
func (d *Daemon) Serve(socketPath string) error {
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	d.ln = ln
	d.logger.Printf("printerd listening on %s", socketPath)

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go d.serveConn(conn)
	}
}

// Stop closes the listener, causing Serve's Accept loop to return.
func (d *Daemon) Stop() error {
	if d.ln == nil {
		return nil
	}
	return d.ln.Close()
}

// bufWriter adapts a net.Conn into the rpc.Writer contract (write, then
// flush, as one unit) via a buffered writer.
type bufWriter struct {
	*bufio.Writer
}

func (d *Daemon) serveConn(conn net.Conn) {
	defer conn.Close()

	ep := rpc.New(conn, bufWriter{bufio.NewWriter(conn)}, rpc.WithLogger(d.logger))
	d.registerMethods(ep)

	if err := ep.Run(); err != nil {
		d.logger.Printf("printerd: connection closed: %v", err)
	}
}

func (d *Daemon) registerMethods(ep *rpc.Endpoint) {
	methods := map[string]any{
		"profiles.list":      d.handleProfilesList,
		"machine.connect":    d.handleMachineConnect,
		"machine.print":      d.handleMachinePrint,
		"machine.pause":      d.handleMachinePause,
		"machine.unpause":    d.handleMachineUnpause,
		"machine.cancel":     d.handleMachineCancel,
		"machine.history":    d.handleMachineHistory,
		"diagnostics.bundle": d.handleDiagnosticsBundle,
	}
	for name, fn := range methods {
		if err := ep.AddMethod(name, fn); err != nil {
			d.logger.Fatalf("printerd: register %s: %v", name, err)
		}
	}
}

type profileDescriptor struct {
	Name              string  `json:"name"`
	XSize             float64 `json:"x_size"`
	YSize             float64 `json:"y_size"`
	ZSize             float64 `json:"z_size"`
	CanPrint          bool    `json:"can_print"`
	CanPrintToFile    bool    `json:"can_print_to_file"`
	HasHeatedPlatform bool    `json:"has_heated_platform"`
	NumberOfTools     int     `json:"number_of_tools"`
}

func (d *Daemon) handleProfilesList() ([]profileDescriptor, error) {
	profiles := d.registry.GetProfiles(nil)
	out := make([]profileDescriptor, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, profileDescriptor{
			Name:              p.Name,
			XSize:             p.XSize,
			YSize:             p.YSize,
			ZSize:             p.ZSize,
			CanPrint:          p.CanPrint,
			CanPrintToFile:    p.CanPrintToFile,
			HasHeatedPlatform: p.HasHeatedPlatform,
			NumberOfTools:     p.NumberOfTools,
		})
	}
	return out, nil
}

type connectParams struct {
	VID     uint16 `json:"vid"`
	PID     uint16 `json:"pid"`
	ISerial string `json:"iserial"`
	Path    string `json:"path"`
	Profile string `json:"profile,omitempty"`
}

type connectResult struct {
	MachineID string `json:"machine_id"`
}

func (d *Daemon) handleMachineConnect(p connectParams) (connectResult, error) {
	port := &driver.Port{VID: p.VID, PID: p.PID, ISerial: p.ISerial, Path: p.Path}

	var profile *driver.Profile
	if p.Profile != "" {
		pr, err := d.registry.GetProfile(p.Profile)
		if err != nil {
			return connectResult{}, err
		}
		profile = pr
	}

	m, err := d.registry.NewMachineFromPort(context.Background(), port, profile)
	if err != nil {
		return connectResult{}, err
	}

	d.mu.Lock()
	d.machines[m.ID()] = m
	d.mu.Unlock()

	return connectResult{MachineID: m.ID()}, nil
}

func (d *Daemon) lookupMachine(id string) (*machine.Machine, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.machines[id]
	if !ok {
		return nil, fmt.Errorf("printerd: unknown machine %q", id)
	}
	return m, nil
}

type printParams struct {
	MachineID string                 `json:"machine_id"`
	InputPath string                 `json:"input_path"`
	Options   operation.PrintOptions `json:"options"`
}

type taskResult struct {
	State string `json:"state"`
}

func (d *Daemon) handleMachinePrint(p printParams) (taskResult, error) {
	m, err := d.lookupMachine(p.MachineID)
	if err != nil {
		return taskResult{}, err
	}
	profile, err := d.registry.GetProfile(m.Profile().ProfileName())
	if err != nil {
		return taskResult{}, err
	}
	task, err := m.Print(operation.PrintParams{
		Profile:   profile,
		InputPath: p.InputPath,
		Options:   p.Options,
		Parser:    &stubParser{},
	})
	if err != nil {
		return taskResult{}, err
	}
	return taskResult{State: task.State().String()}, nil
}

type machineIDParams struct {
	MachineID string `json:"machine_id"`
}

func (d *Daemon) handleMachinePause(p machineIDParams) (taskResult, error) {
	m, err := d.lookupMachine(p.MachineID)
	if err != nil {
		return taskResult{}, err
	}
	if err := m.Pause(); err != nil {
		return taskResult{}, err
	}
	return taskResult{State: m.State().String()}, nil
}

func (d *Daemon) handleMachineUnpause(p machineIDParams) (taskResult, error) {
	m, err := d.lookupMachine(p.MachineID)
	if err != nil {
		return taskResult{}, err
	}
	if err := m.Unpause(); err != nil {
		return taskResult{}, err
	}
	return taskResult{State: m.State().String()}, nil
}

func (d *Daemon) handleMachineCancel(p machineIDParams) (taskResult, error) {
	m, err := d.lookupMachine(p.MachineID)
	if err != nil {
		return taskResult{}, err
	}
	if err := m.Cancel(); err != nil {
		return taskResult{}, err
	}
	return taskResult{State: m.State().String()}, nil
}

func (d *Daemon) handleMachineHistory(p machineIDParams) ([]machine.TelemetrySnapshot, error) {
	m, err := d.lookupMachine(p.MachineID)
	if err != nil {
		return nil, err
	}
	return m.History(), nil
}

type bundleResult struct {
	GzipBase64 string `json:"gzip_base64"`
}

func (d *Daemon) handleDiagnosticsBundle(p machineIDParams) (bundleResult, error) {
	m, err := d.lookupMachine(p.MachineID)
	if err != nil {
		return bundleResult{}, err
	}
	var buf bytes.Buffer
	task := m.CurrentTask()
	if task != nil {
		if err := diagnostics.Write(&buf, m, task.Progress(), true); err != nil {
			return bundleResult{}, err
		}
	} else if err := diagnostics.Write(&buf, m, nil, false); err != nil {
		return bundleResult{}, err
	}
	return bundleResult{GzipBase64: base64.StdEncoding.EncodeToString(buf.Bytes())}, nil
}
