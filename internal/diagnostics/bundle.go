// Package diagnostics builds an on-demand support bundle for a machine:
// its recent telemetry history and, when the caller supplies one, a single
// heartbeat entry (cmd/printerd passes the current task's latest progress,
// and none when no task is running), streamed to a requesting client as
// gzip-compressed NDJSON.
//
// This is new surface area supplementing the distribution: a technician
// pulling diagnostics off a misbehaving printer. It uses
// github.com/klauspost/compress/gzip as a drop-in replacement for
// compress/gzip: faster with no call-site changes.
package diagnostics

import (
	"bufio"
	"io"
	"time"

	gzip "github.com/klauspost/compress/gzip"
	json "github.com/segmentio/encoding/json"

	"github.com/makerforge/printerd/internal/machine"
)

// entryKind tags each NDJSON line so a reader can decode heterogeneously
// without a second pass.
type entryKind string

const (
	kindTelemetry entryKind = "telemetry"
	kindHeartbeat entryKind = "heartbeat"
)

// entry is one NDJSON line in the bundle.
type entry struct {
	Kind      entryKind             `json:"kind"`
	Telemetry *machine.TelemetrySnapshot `json:"telemetry,omitempty"`
	Heartbeat *heartbeatEntry       `json:"heartbeat,omitempty"`
}

type heartbeatEntry struct {
	Time     time.Time `json:"time"`
	Progress any       `json:"progress"`
}

// Bundle is the decoded, in-memory form of a support bundle — what
// Write produces and Read reconstructs, used by the round-trip property
// test.
type Bundle struct {
	Telemetry  []machine.TelemetrySnapshot
	Heartbeats []any
}

// Write gzip-compresses m's telemetry history and, if haveHeartbeat, the
// given current heartbeat, as NDJSON onto w.
func Write(w io.Writer, m *machine.Machine, currentHeartbeat any, haveHeartbeat bool) error {
	var hb any
	if haveHeartbeat {
		hb = currentHeartbeat
	}
	return writeEntries(w, m.History(), hb, haveHeartbeat)
}

// writeEntries is Write's transport-agnostic core: it takes the telemetry
// slice directly so tests can exercise the wire format without a live,
// connected Machine (snapshots are otherwise only produced by the poll
// loop).
func writeEntries(w io.Writer, snapshots []machine.TelemetrySnapshot, heartbeat any, haveHeartbeat bool) error {
	gz := gzip.NewWriter(w)
	enc := json.NewEncoder(gz)

	for _, snap := range snapshots {
		snap := snap
		if err := enc.Encode(entry{Kind: kindTelemetry, Telemetry: &snap}); err != nil {
			gz.Close()
			return err
		}
	}
	if haveHeartbeat {
		if err := enc.Encode(entry{Kind: kindHeartbeat, Heartbeat: &heartbeatEntry{
			Time:     time.Now(),
			Progress: heartbeat,
		}}); err != nil {
			gz.Close()
			return err
		}
	}
	return gz.Close()
}

// Read ungzips and decodes a bundle written by Write, for tests and for a
// client-side consumer of the diagnostics.bundle RPC method's result.
func Read(r io.Reader) (*Bundle, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	bundle := &Bundle{}
	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, err
		}
		switch e.Kind {
		case kindTelemetry:
			if e.Telemetry != nil {
				bundle.Telemetry = append(bundle.Telemetry, *e.Telemetry)
			}
		case kindHeartbeat:
			if e.Heartbeat != nil {
				bundle.Heartbeats = append(bundle.Heartbeats, e.Heartbeat.Progress)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return bundle, nil
}
