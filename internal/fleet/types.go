// Package fleet defines the device model shared by the registry, the mode
// detector, and the batch orchestrator.
package fleet

import (
	"fmt"
	"time"
)

// Transport identifies the physical channel a device is flashed over.
type Transport string

const (
	TransportCAN    Transport = "can"
	TransportSerial Transport = "serial"
	TransportDFU    Transport = "dfu"
	// TransportLinux is the host-process MCU: no physical flashing, the
	// build output replaces the binary the local service runs.
	TransportLinux Transport = "linux"
)

// ParseTransport validates a transport string.
func ParseTransport(s string) (Transport, error) {
	switch Transport(s) {
	case TransportCAN, TransportSerial, TransportDFU, TransportLinux:
		return Transport(s), nil
	}
	return "", fmt.Errorf("fleet: unknown transport %q", s)
}

// Mode is a device's firmware state as last observed.
type Mode string

const (
	ModeUnknown     Mode = "unknown"
	ModeFirmware    Mode = "firmware"
	ModeBootloader  Mode = "bootloader"
	ModeUnreachable Mode = "unreachable"
)

// Terminal reports whether the mode represents a reachable, settled device.
func (m Mode) Terminal() bool {
	return m == ModeFirmware || m == ModeBootloader
}

// Device is one registered fleet member. ID is the stable identity: for CAN
// nodes the bus UUID, for serial devices the /dev/serial/by-id path, for DFU
// devices the USB serial number, for the host MCU a fixed name. The stable
// identity never changes even when the transport-level address does.
type Device struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Transport    Transport `json:"transport"`
	Profile      string    `json:"profile,omitempty"`
	CANInterface string    `json:"can_interface,omitempty"`
	// Bridge marks a CAN node that is also the host's gateway onto the
	// bus. Flashing it disconnects every downstream node until it reboots.
	Bridge bool `json:"bridge,omitempty"`
	// BridgeID names the bridge device this node sits behind, if any.
	BridgeID string `json:"bridge_id,omitempty"`
	// DFUAddress overrides the default flash base address for DFU flashing.
	DFUAddress string `json:"dfu_address,omitempty"`
	// LeaveBootloader requests an exit to application firmware right after
	// a DFU flash. When false the device stays in bootloader mode.
	LeaveBootloader bool      `json:"leave_bootloader"`
	Notes           string    `json:"notes,omitempty"`
	LastMode        Mode      `json:"last_mode"`
	LastSeen        time.Time `json:"last_seen,omitzero"`
	CreatedAt       time.Time `json:"created_at,omitzero"`
	UpdatedAt       time.Time `json:"updated_at,omitzero"`
}

// IdentityLink ties a transient transport-level address to a stable device
// identity. Many transient addresses may be observed for one device over its
// lifetime; at most one is current per transport.
type IdentityLink struct {
	DeviceID    string    `json:"device_id"`
	Transport   Transport `json:"transport"`
	TransientID string    `json:"transient_id"`
	Current     bool      `json:"current"`
	ObservedAt  time.Time `json:"observed_at"`
}

// Artifact records a compiled firmware image for a profile.
type Artifact struct {
	Profile string    `json:"profile"`
	Kind    string    `json:"kind"` // "bin" or "elf"
	Path    string    `json:"path"`
	Digest  string    `json:"digest,omitempty"` // blake2b-256, hex
	BuiltAt time.Time `json:"built_at,omitzero"`
}

// Observation is one device sighting reported by a transport adapter during
// discovery: the transient address it answered on and the mode it reported.
type Observation struct {
	Transport   Transport
	TransientID string
	Name        string
	Mode        Mode
	// Interface is set for CAN observations (the host interface queried).
	Interface string
}
