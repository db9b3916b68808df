// Package transition drives a single device through the flashing state
// machine: firmware to bootloader, programming, and back to firmware. Each
// step classifies its own failure so the orchestrator can report exactly
// where a device got stuck and what mode it was left in.
package transition

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ModularPrintingSystem/KlipperFleet/internal/eventbus"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/fleet"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/fleet/store"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/adapter"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/detect"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/proc"
)

// Machine executes mode transitions for one device at a time.
type Machine struct {
	detector *detect.Detector
	adapters *adapter.Set
	store    *store.Store
	bus      *eventbus.Bus
	logger   *log.Logger

	// entryWait bounds how long a device may take to re-enumerate in
	// bootloader mode after an entry request.
	entryWait    time.Duration
	pollInterval time.Duration
}

func NewMachine(detector *detect.Detector, adapters *adapter.Set, st *store.Store, bus *eventbus.Bus, logger *log.Logger) *Machine {
	if logger == nil {
		logger = log.New(log.Writer(), "[Transition] ", log.LstdFlags)
	}
	return &Machine{
		detector:     detector,
		adapters:     adapters,
		store:        st,
		bus:          bus,
		logger:       logger,
		entryWait:    15 * time.Second,
		pollInterval: time.Second,
	}
}

// Cycle runs the full flash sequence for a device: ensure bootloader mode,
// program the artifact, and return to firmware where the transport does not
// do that on its own. The device's mode after a failure tells the operator
// what is recoverable: entry failures leave it unreachable, flash and exit
// failures leave it in bootloader.
func (m *Machine) Cycle(ctx context.Context, dev fleet.Device, artifactPath string, sink proc.LineSink) error {
	status, err := m.EnterBootloader(ctx, dev, sink)
	if err != nil {
		return err
	}
	if err := m.FlashStep(ctx, dev, status.Address, artifactPath, sink); err != nil {
		return err
	}
	if !m.needsExplicitExit(dev) {
		if dev.Transport == fleet.TransportDFU {
			// Without the leave flag dfu-util finishes with the device
			// still sitting in DFU mode.
			m.setMode(ctx, dev, fleet.ModeBootloader, fleet.ModeBootloader)
			return nil
		}
		// The flashing tool rebooted the device into firmware itself.
		m.setMode(ctx, dev, fleet.ModeFirmware, fleet.ModeBootloader)
		return nil
	}
	return m.ExitBootloader(ctx, dev, status.Address, sink)
}

// EnterBootloader brings the device into bootloader mode and returns its
// resolved bootloader status. A device already in bootloader mode is
// returned as-is. On failure the device is recorded unreachable; it stays
// that way until a later discovery proves otherwise.
func (m *Machine) EnterBootloader(ctx context.Context, dev fleet.Device, sink proc.LineSink) (detect.DeviceStatus, error) {
	status, err := m.detector.Locate(ctx, dev)
	if err != nil {
		return status, err
	}

	switch status.Mode {
	case fleet.ModeBootloader:
		return status, nil
	case fleet.ModeUnreachable:
		return status, flash.NewError(flash.KindEntryFailed, dev.ID,
			errors.New("device is not reachable on its transport"))
	}

	a := m.adapters.For(dev.Transport)
	if a == nil {
		return status, flash.NewError(flash.KindEntryFailed, dev.ID,
			fmt.Errorf("no adapter for transport %s", dev.Transport))
	}

	previous := status.Mode
	target := adapter.Target{Device: dev, Address: status.Address}
	if err := a.EnterBootloader(ctx, target, sink); err != nil {
		m.setMode(ctx, dev, fleet.ModeUnreachable, previous)
		return status, err
	}

	bootStatus, err := m.awaitBootloader(ctx, dev)
	if err != nil {
		m.setMode(ctx, dev, fleet.ModeUnreachable, previous)
		return status, err
	}
	m.publishMode(dev, fleet.ModeBootloader, previous)
	return bootStatus, nil
}

// FlashStep programs the artifact into a device already in bootloader mode.
// On failure the device keeps its bootloader mode; retrying the flash is
// safe.
func (m *Machine) FlashStep(ctx context.Context, dev fleet.Device, bootAddress, artifactPath string, sink proc.LineSink) error {
	a := m.adapters.For(dev.Transport)
	if a == nil {
		return flash.NewError(flash.KindFlashFailed, dev.ID,
			fmt.Errorf("no adapter for transport %s", dev.Transport))
	}
	target := adapter.Target{Device: dev, Address: bootAddress, ArtifactPath: artifactPath}
	return a.Flash(ctx, target, sink)
}

// ExitBootloader returns a bootloader-mode device to firmware. On failure
// the device stays in bootloader mode; the exit can be retried on its own.
func (m *Machine) ExitBootloader(ctx context.Context, dev fleet.Device, bootAddress string, sink proc.LineSink) error {
	a := m.adapters.For(dev.Transport)
	if a == nil {
		return flash.NewError(flash.KindExitFailed, dev.ID,
			fmt.Errorf("no adapter for transport %s", dev.Transport))
	}
	target := adapter.Target{Device: dev, Address: bootAddress}
	if err := a.ExitBootloader(ctx, target, sink); err != nil {
		return err
	}
	m.setMode(ctx, dev, fleet.ModeFirmware, fleet.ModeBootloader)
	return nil
}

// ExitOnly is the standalone exit retry: locate the device and, if it sits
// in bootloader mode, return it to firmware without flashing anything.
func (m *Machine) ExitOnly(ctx context.Context, dev fleet.Device, sink proc.LineSink) error {
	status, err := m.detector.Locate(ctx, dev)
	if err != nil {
		return err
	}
	switch status.Mode {
	case fleet.ModeFirmware:
		if sink != nil {
			sink("Device is already running firmware")
		}
		return nil
	case fleet.ModeUnreachable:
		return flash.NewError(flash.KindExitFailed, dev.ID,
			errors.New("device is not reachable on its transport"))
	}
	return m.ExitBootloader(ctx, dev, status.Address, sink)
}

// needsExplicitExit reports whether the transport requires a separate exit
// action after flashing. CAN and serial flash tools reboot the device as
// part of a successful flash; DFU exits only when the device asks for it,
// and the host MCU needs its service started again.
func (m *Machine) needsExplicitExit(dev fleet.Device) bool {
	switch dev.Transport {
	case fleet.TransportLinux:
		return true
	case fleet.TransportDFU:
		return dev.LeaveBootloader
	}
	return false
}

// awaitBootloader polls discovery until the device re-enumerates in
// bootloader mode or the entry window closes.
func (m *Machine) awaitBootloader(ctx context.Context, dev fleet.Device) (detect.DeviceStatus, error) {
	deadline := time.Now().Add(m.entryWait)
	for {
		select {
		case <-time.After(m.pollInterval):
		case <-ctx.Done():
			return detect.DeviceStatus{}, flash.NewError(flash.KindEntryFailed, dev.ID, ctx.Err())
		}

		status, err := m.detector.Locate(ctx, dev)
		if err == nil && status.Mode == fleet.ModeBootloader {
			return status, nil
		}
		if time.Now().After(deadline) {
			return detect.DeviceStatus{}, flash.NewError(flash.KindEntryFailed, dev.ID,
				fmt.Errorf("device did not re-enumerate in bootloader mode within %s", m.entryWait))
		}
	}
}

// setMode persists and publishes a mode change.
func (m *Machine) setMode(ctx context.Context, dev fleet.Device, mode, previous fleet.Mode) {
	if err := m.store.SetLastKnownMode(ctx, dev.ID, mode, time.Now()); err != nil {
		m.logger.Printf("persist mode %s for %s: %v", mode, dev.ID, err)
	}
	m.publishMode(dev, mode, previous)
}

func (m *Machine) publishMode(dev fleet.Device, mode, previous fleet.Mode) {
	eventbus.Publish(context.Background(), m.bus, eventbus.Devices.Mode, eventbus.SourceTransition,
		eventbus.DeviceModeEvent{
			DeviceID: dev.ID,
			Mode:     string(mode),
			Previous: string(previous),
		})
}
