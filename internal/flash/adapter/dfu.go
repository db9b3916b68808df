package adapter

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ModularPrintingSystem/KlipperFleet/internal/fleet"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/proc"
)

const (
	dfuDiscoveryTTL = time.Second
	dfuCacheKey     = "usb"
	dfuMaxAttempts  = 3

	// dfu-util exits 251 when the device detaches during the reset that
	// the leave request triggers. That is the expected outcome.
	dfuLeaveDetachCode = 251
)

// DFUAdapter flashes STM32-style devices in USB DFU mode with dfu-util.
type DFUAdapter struct {
	runner     proc.Runner
	vendorID   string
	defaultAdr string
	cache      *discoveryCache
	logger     *log.Logger

	magicBaud  func(path string) error
	retryDelay time.Duration
}

type DFUOptions struct {
	Runner         proc.Runner
	VendorID       string // "0483:df11"
	DefaultAddress string // "0x08000000"
	Logger         *log.Logger
}

func NewDFUAdapter(opts DFUOptions) *DFUAdapter {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[DFUAdapter] ", log.LstdFlags)
	}
	return &DFUAdapter{
		runner:     opts.Runner,
		vendorID:   opts.VendorID,
		defaultAdr: opts.DefaultAddress,
		cache:      newDiscoveryCache(dfuDiscoveryTTL),
		logger:     logger,
		magicBaud:  magicBaudReset,
		retryDelay: 2 * time.Second,
	}
}

func (a *DFUAdapter) Transport() fleet.Transport { return fleet.TransportDFU }

// Discover lists devices currently enumerated in DFU mode.
func (a *DFUAdapter) Discover(ctx context.Context) ([]fleet.Observation, error) {
	if cached, ok := a.cache.get(dfuCacheKey); ok {
		return cached, nil
	}
	observations, err := a.list(ctx)
	if err != nil {
		return nil, err
	}
	a.cache.put(dfuCacheKey, observations)
	return observations, nil
}

// InvalidateCache drops the cached dfu-util listing. Every operation that
// can re-enumerate the bus calls it.
func (a *DFUAdapter) InvalidateCache() {
	a.cache.invalidateAll()
}

func (a *DFUAdapter) list(ctx context.Context) ([]fleet.Observation, error) {
	result, err := a.runner.Run(ctx, proc.Command{
		Name:    "dfu-util",
		Args:    []string{"-l"},
		Sudo:    true,
		Timeout: 15 * time.Second,
	}, nil)
	if err != nil {
		return nil, flash.NewError(flash.KindDiscoveryFailed, "", err)
	}
	if result.ExitCode != 0 {
		return nil, flash.Failure(flash.FailureToolError, result.ExitCode, result.Output).
			Err(flash.KindDiscoveryFailed, "")
	}
	return ParseDFUList(result.Output), nil
}

// Flash downloads the artifact into the device, retrying with a fresh
// device resolution when USB re-enumeration moved the target. The download
// deliberately omits the leave modifier; some STM32 bootloaders time out on
// the post-erase status poll when leave is combined with a long write.
func (a *DFUAdapter) Flash(ctx context.Context, target Target, sink proc.LineSink) error {
	a.InvalidateCache()
	address := a.flashAddress(target.Device)
	deviceID := target.Address

	var lastOutcome flash.Outcome
	for attempt := 1; attempt <= dfuMaxAttempts; attempt++ {
		if attempt > 1 {
			if sink != nil {
				sink(fmt.Sprintf("Retry attempt %d/%d", attempt, dfuMaxAttempts))
			}
			select {
			case <-time.After(a.retryDelay):
			case <-ctx.Done():
				return flash.Failure(flash.FailureAborted, -1, lastOutcome.Output).
					Err(flash.KindFlashFailed, target.Device.ID)
			}
			deviceID = a.reresolve(ctx, deviceID)
		}

		args := []string{"-a", "0", "-d", a.vendorID, "-s", address, "-D", target.ArtifactPath}
		args = appendDFUSelector(args, deviceID)
		result, err := a.runner.Run(ctx, proc.Command{
			Name:    "dfu-util",
			Args:    args,
			Sudo:    true,
			Timeout: 10 * time.Minute,
		}, sink)
		if err != nil {
			lastOutcome = flash.Failure(flash.FailureToolError, -1, err.Error())
			continue
		}
		if result.ExitCode == 0 {
			a.InvalidateCache()
			return nil
		}
		lastOutcome = flash.Failure(flash.FailureToolError, result.ExitCode, result.Output)
		a.logger.Printf("dfu-util download attempt %d failed with exit %d", attempt, result.ExitCode)
	}

	a.InvalidateCache()
	return lastOutcome.Err(flash.KindFlashFailed, target.Device.ID)
}

// EnterBootloader reboots a device from its serial personality into DFU via
// the 1200 baud reset, then waits for a DFU enumeration to confirm.
func (a *DFUAdapter) EnterBootloader(ctx context.Context, target Target, sink proc.LineSink) error {
	path := target.Address
	if !strings.HasPrefix(path, "/dev/") {
		return flash.NewError(flash.KindEntryFailed, target.Device.ID,
			fmt.Errorf("no serial path resolved for DFU entry (got %q)", path))
	}

	if sink != nil {
		sink(fmt.Sprintf("Rebooting %s into DFU mode via 1200 baud reset", path))
	}
	if err := a.magicBaud(path); err != nil {
		return flash.NewError(flash.KindEntryFailed, target.Device.ID, err)
	}

	a.InvalidateCache()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return flash.NewError(flash.KindEntryFailed, target.Device.ID, ctx.Err())
		}
		a.InvalidateCache()
		observations, err := a.Discover(ctx)
		if err != nil {
			continue
		}
		if len(observations) > 0 {
			if sink != nil {
				sink("Device enumerated in DFU mode")
			}
			return nil
		}
	}
	return flash.Failure(flash.FailureTimeout, -1, "").Err(flash.KindEntryFailed, target.Device.ID)
}

// ExitBootloader asks the bootloader to jump to the application: a
// zero-length download with the leave modifier plus a USB reset. The device
// detaching mid-reset is success.
func (a *DFUAdapter) ExitBootloader(ctx context.Context, target Target, sink proc.LineSink) error {
	defer a.InvalidateCache()
	address := a.flashAddress(target.Device)

	args := []string{"-a", "0", "-d", a.vendorID, "-R", "-s", address + ":leave"}
	args = appendDFUSelector(args, target.Address)
	result, err := a.runner.Run(ctx, proc.Command{
		Name:    "dfu-util",
		Args:    args,
		Sudo:    true,
		Timeout: time.Minute,
	}, sink)
	if err != nil {
		return flash.NewError(flash.KindExitFailed, target.Device.ID, err).WithDiagnostic(result.Output)
	}
	if result.ExitCode != 0 && result.ExitCode != dfuLeaveDetachCode {
		return flash.Failure(flash.FailureToolError, result.ExitCode, result.Output).
			Err(flash.KindExitFailed, target.Device.ID)
	}
	if sink != nil {
		sink("Leave request sent, device rebooting to firmware")
	}
	return nil
}

func (a *DFUAdapter) flashAddress(device fleet.Device) string {
	if device.DFUAddress != "" {
		return device.DFUAddress
	}
	return a.defaultAdr
}

// reresolve picks the current DFU identity for a device whose USB address
// may have changed across a failed attempt.
func (a *DFUAdapter) reresolve(ctx context.Context, deviceID string) string {
	a.InvalidateCache()
	observations, err := a.Discover(ctx)
	if err != nil || len(observations) == 0 {
		return deviceID
	}
	for _, obs := range observations {
		if obs.TransientID == deviceID {
			return deviceID
		}
	}
	// Best effort: a single enumerated device is assumed to be the target.
	if len(observations) == 1 {
		return observations[0].TransientID
	}
	return deviceID
}

// appendDFUSelector narrows a dfu-util invocation to one device. Long
// identifiers without a /dev prefix are USB serial numbers; dash-separated
// short ones are USB port paths like "1-1.2".
func appendDFUSelector(args []string, deviceID string) []string {
	switch {
	case deviceID == "" || strings.HasPrefix(deviceID, "/dev/"):
		return args
	case len(deviceID) > 5:
		return append(args, "-S", deviceID)
	case strings.Contains(deviceID, "-"):
		return append(args, "-p", deviceID)
	}
	return args
}

// ParseDFUList extracts devices from dfu-util -l output. Multiple alt
// settings of one device collapse into a single observation; the USB serial
// is preferred as the identity with the port path as fallback.
func ParseDFUList(output string) []fleet.Observation {
	var observations []fleet.Observation
	seen := make(map[string]bool)
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "Found DFU:") {
			continue
		}
		vidPid := quotedOrBracketed(line, "[", "]")
		serial := quotedField(line, `serial="`)
		path := quotedField(line, `path="`)

		id := serial
		if id == "" || id == "UNKNOWN" {
			id = path
		}
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		name := fmt.Sprintf("DFU Device (%s)", vidPid)
		if serial != "" {
			name += fmt.Sprintf(" S/N: %s", serial)
		}
		observations = append(observations, fleet.Observation{
			Transport:   fleet.TransportDFU,
			TransientID: id,
			Name:        name,
			Mode:        fleet.ModeBootloader,
		})
	}
	return observations
}

func quotedField(line, prefix string) string {
	_, rest, ok := strings.Cut(line, prefix)
	if !ok {
		return ""
	}
	value, _, ok := strings.Cut(rest, `"`)
	if !ok {
		return ""
	}
	return value
}

func quotedOrBracketed(line, open, closing string) string {
	_, rest, ok := strings.Cut(line, open)
	if !ok {
		return ""
	}
	value, _, ok := strings.Cut(rest, closing)
	if !ok {
		return ""
	}
	return value
}
