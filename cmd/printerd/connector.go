package main

import (
	"context"
	"fmt"

	"github.com/makerforge/printerd/internal/driver"
	"github.com/makerforge/printerd/internal/machine"
)

// stubConnector is the out-of-scope device-discovery/serial-transport
// collaborator: the core defines the Connector interface
// and drives it, but enumerating USB ports and opening the wire protocol
// to an actual printer is vendor-specific and deliberately not part of
// this module. A real deployment supplies its own driver.Connector.
type stubConnector struct{}

func (stubConnector) Connect(ctx context.Context, port *driver.Port) (machine.DeviceHandle, *driver.Profile, error) {
	return nil, nil, fmt.Errorf("printerd: no device connector configured for port %s", port.Path)
}
