package diagnostics

import (
	"bytes"
	"testing"
	"time"

	"github.com/makerforge/printerd/internal/machine"
)

func TestBundleRoundTrip(t *testing.T) {
	m := machine.New("test", nil, nil, machine.WithHistoryCapacity(2))
	_ = m // snapshots are pushed only by the poll loop; here we test the
	// encode/decode contract directly against History()'s (empty) output
	// plus a synthetic heartbeat, since Connect requires a fake device
	// this package has no reason to depend on.

	var buf bytes.Buffer
	if err := Write(&buf, m, map[string]any{"progress": 42.0}, true); err != nil {
		t.Fatalf("Write: %v", err)
	}

	bundle, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(bundle.Telemetry) != 0 {
		t.Fatalf("got %d telemetry entries, want 0 (machine never connected)", len(bundle.Telemetry))
	}
	if len(bundle.Heartbeats) != 1 {
		t.Fatalf("got %d heartbeats, want 1", len(bundle.Heartbeats))
	}
}

func TestBundleRoundTripWithTelemetry(t *testing.T) {
	snap := machine.TelemetrySnapshot{
		Time:                time.Now(),
		PlatformTemperature: 60,
		ToolTemperatures:    []float64{210},
	}
	// Exercise the wire format directly rather than through a live
	// Machine, since pushing snapshots is the poll loop's job.
	var buf bytes.Buffer
	if err := writeEntries(&buf, []machine.TelemetrySnapshot{snap}, nil, false); err != nil {
		t.Fatalf("writeEntries: %v", err)
	}
	bundle, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(bundle.Telemetry) != 1 {
		t.Fatalf("got %d telemetry entries, want 1", len(bundle.Telemetry))
	}
	if bundle.Telemetry[0].PlatformTemperature != 60 {
		t.Fatalf("PlatformTemperature = %v, want 60", bundle.Telemetry[0].PlatformTemperature)
	}
}
