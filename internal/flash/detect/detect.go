// Package detect resolves live transport observations against the device
// registry. Discovery reports transient addresses; the detector maps them
// back to stable identities, follows bootloader identity links across
// re-enumerations, and marks registered devices nothing answered for as
// unreachable.
package detect

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/ModularPrintingSystem/KlipperFleet/internal/fleet"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/fleet/store"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/adapter"
)

// DeviceStatus is one registered device's resolved live state.
type DeviceStatus struct {
	Device fleet.Device `json:"device"`
	Mode   fleet.Mode   `json:"mode"`
	// Address is the transient address the device answered on, empty when
	// unreachable. For a DFU-transport device seen in firmware mode this
	// is its serial path; in bootloader mode its DFU identity.
	Address string `json:"address,omitempty"`
	// Interface is the CAN interface the device answered on, if any.
	Interface string `json:"interface,omitempty"`
}

// Detector matches adapter discovery output to registry identities.
type Detector struct {
	store    *store.Store
	adapters *adapter.Set
	logger   *log.Logger
}

func New(st *store.Store, adapters *adapter.Set, logger *log.Logger) *Detector {
	if logger == nil {
		logger = log.New(log.Writer(), "[Detector] ", log.LstdFlags)
	}
	return &Detector{store: st, adapters: adapters, logger: logger}
}

// Snapshot discovers every transport and resolves the results. It returns
// the status of all registered devices plus the observations no registered
// device claimed (Scan's "new device" candidates). Registered devices that
// nothing answered for come back unreachable. Last-known modes are
// persisted for reachable devices.
func (d *Detector) Snapshot(ctx context.Context) ([]DeviceStatus, []fleet.Observation, error) {
	devices, err := d.store.ListDevices(ctx)
	if err != nil {
		return nil, nil, err
	}

	var observations []fleet.Observation
	for _, a := range d.adapters.All() {
		obs, err := a.Discover(ctx)
		if err != nil {
			d.logger.Printf("discovery on %s failed: %v", a.Transport(), err)
			continue
		}
		observations = append(observations, obs...)
	}

	statuses := make([]DeviceStatus, 0, len(devices))
	claimed := make(map[int]bool)
	now := time.Now()

	for _, dev := range devices {
		status := DeviceStatus{Device: dev, Mode: fleet.ModeUnreachable}
		for i, obs := range observations {
			if claimed[i] {
				continue
			}
			if !d.matches(ctx, dev, obs) {
				continue
			}
			claimed[i] = true
			status.Mode = obs.Mode
			status.Address = obs.TransientID
			status.Interface = obs.Interface
			d.recordSighting(ctx, dev, obs)
			break
		}
		if status.Mode != fleet.ModeUnreachable {
			if err := d.store.SetLastKnownMode(ctx, dev.ID, status.Mode, now); err != nil {
				d.logger.Printf("persist mode for %s: %v", dev.ID, err)
			}
		}
		statuses = append(statuses, status)
	}

	var unclaimed []fleet.Observation
	for i, obs := range observations {
		if !claimed[i] {
			unclaimed = append(unclaimed, obs)
		}
	}
	return statuses, unclaimed, nil
}

// Locate resolves one device's current mode and transient address. A
// device nothing answers for is unreachable with no address.
func (d *Detector) Locate(ctx context.Context, dev fleet.Device) (DeviceStatus, error) {
	status := DeviceStatus{Device: dev, Mode: fleet.ModeUnreachable}

	for _, a := range d.relevantAdapters(dev) {
		observations, err := a.Discover(ctx)
		if err != nil {
			return status, flash.NewError(flash.KindDiscoveryFailed, dev.ID, err)
		}
		for _, obs := range observations {
			if !d.matches(ctx, dev, obs) {
				continue
			}
			status.Mode = obs.Mode
			status.Address = obs.TransientID
			status.Interface = obs.Interface
			d.recordSighting(ctx, dev, obs)
			if err := d.store.SetLastKnownMode(ctx, dev.ID, obs.Mode, time.Now()); err != nil {
				d.logger.Printf("persist mode for %s: %v", dev.ID, err)
			}
			return status, nil
		}
	}
	return status, nil
}

// relevantAdapters lists the adapters a device can appear on. DFU devices
// run as serial devices in firmware mode; serial devices may drop into a
// DFU bootloader. Both pairs are searched in mode-priority order.
func (d *Detector) relevantAdapters(dev fleet.Device) []adapter.Adapter {
	var adapters []adapter.Adapter
	appendIf := func(t fleet.Transport) {
		if a := d.adapters.For(t); a != nil {
			adapters = append(adapters, a)
		}
	}
	switch dev.Transport {
	case fleet.TransportDFU:
		appendIf(fleet.TransportDFU)
		appendIf(fleet.TransportSerial)
	case fleet.TransportSerial:
		appendIf(fleet.TransportSerial)
		appendIf(fleet.TransportDFU)
	default:
		appendIf(dev.Transport)
	}
	return adapters
}

// matches decides whether an observation belongs to a device: by direct
// identity, by a recorded identity link, or by USB serial number extraction
// across the serial/DFU mode boundary.
func (d *Detector) matches(ctx context.Context, dev fleet.Device, obs fleet.Observation) bool {
	if dev.ID == obs.TransientID {
		return true
	}
	if dev.Transport == fleet.TransportCAN && obs.Transport == fleet.TransportCAN {
		// CAN identities are the bus UUID on both sides; nothing to link.
		return false
	}

	if linked, err := d.store.ResolveTransientID(ctx, obs.Transport, obs.TransientID); err == nil && linked == dev.ID {
		return true
	}

	devSerial := adapter.ExtractSerial(dev.ID)
	obsSerial := adapter.ExtractSerial(obs.TransientID)
	if devSerial == "" || obsSerial == "" {
		return false
	}
	return devSerial == obsSerial ||
		strings.Contains(obs.TransientID, devSerial) ||
		strings.Contains(dev.ID, obsSerial)
}

// recordSighting persists a bootloader identity link when a device was
// matched on an address that differs from its stable identity. Linking is
// idempotent; re-observing a known address refreshes its timestamp.
func (d *Detector) recordSighting(ctx context.Context, dev fleet.Device, obs fleet.Observation) {
	if obs.TransientID == dev.ID {
		return
	}
	if err := d.store.LinkBootloaderIdentity(ctx, dev.ID, obs.Transport, obs.TransientID); err != nil {
		d.logger.Printf("link %s -> %s: %v", obs.TransientID, dev.ID, err)
	}
}
