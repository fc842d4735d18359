package machine

import "time"

// MotherboardStatus mirrors the device's reported board flags; any of
// ManualMode, OnboardScript, OnboardProcess, or BuildCancelling being true
// classifies the machine as busy during a poll.
type MotherboardStatus struct {
	ManualMode      bool
	OnboardScript   bool
	OnboardProcess  bool
	BuildCancelling bool
	WaitForButton   bool
}

// Busy reports whether this status should classify the machine as busy.
func (s MotherboardStatus) Busy() bool {
	return s.ManualMode || s.OnboardScript || s.OnboardProcess || s.BuildCancelling
}

// BuildStats reports whether the current build (if any) has finished.
type BuildStats struct {
	IsFinished bool
}

// ToolStatus is the per-extruder status the driver reports on each poll.
type ToolStatus struct {
	Ready bool
}

// TelemetrySnapshot is one poll's worth of device state, retained in a
// bounded ring buffer per Machine for introspection and the diagnostics
// bundle.
type TelemetrySnapshot struct {
	Time                time.Time
	Motherboard         MotherboardStatus
	Build               BuildStats
	PlatformTemperature float64
	PlatformReady       bool
	ToolTemperatures    []float64
	ToolReady           []bool
}

// DeviceHandle is the device driver collaborator interface:
// the set of operations a connected physical device exposes. Vendor
// protocol implementation is out of scope — DeviceHandle is supplied by
// the (unimplemented) driver collaborator at connect time.
type DeviceHandle interface {
	GetVersion() (string, error)
	GetToolheadCount() (int, error)
	GetMotherboardStatus() (MotherboardStatus, error)
	GetBuildStats() (BuildStats, error)
	GetPlatformTemperature(tool int) (float64, error)
	IsPlatformReady(tool int) (bool, error)
	GetToolStatus(tool int) (ToolStatus, error)
	GetToolheadTemperature(tool int) (float64, error)
	IsToolReady(tool int) (bool, error)
	IsFinished() (bool, error)

	Reset() error
	Pause() error
	DisplayMessage(msg string) error
	WaitForButton(name string, timeoutSeconds int, resetOnTimeout, abortOnTimeout, refreshOnTimeout bool) error
	AbortImmediately() error
	SetExternalStop(stop bool)

	Close() error
}
