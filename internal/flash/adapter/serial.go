package adapter

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ModularPrintingSystem/KlipperFleet/internal/fleet"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/proc"
)

const serialByIDDir = "/dev/serial/by-id"

// rawTTYCandidates are checked alongside by-id links; some bootloaders
// enumerate before udev creates the stable symlink.
var rawTTYCandidates = []string{"/dev/ttyACM*", "/dev/ttyUSB*", "/dev/ttyAMA0", "/dev/ttyS0"}

// SerialAdapter flashes UART/USB-serial devices through the Katapult flash
// tool. Bootloader entry uses the 1200 baud magic reset with the flash
// tool's reboot request as fallback.
type SerialAdapter struct {
	runner      proc.Runner
	katapultDir string
	baud        int
	logger      *log.Logger

	// Filesystem seams for tests.
	glob      func(pattern string) ([]string, error)
	exists    func(path string) bool
	realpath  func(path string) (string, error)
	magicBaud func(path string) error
}

type SerialOptions struct {
	Runner      proc.Runner
	KatapultDir string
	Baud        int
	Logger      *log.Logger
}

func NewSerialAdapter(opts SerialOptions) *SerialAdapter {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[SerialAdapter] ", log.LstdFlags)
	}
	return &SerialAdapter{
		runner:      opts.Runner,
		katapultDir: opts.KatapultDir,
		baud:        opts.Baud,
		logger:      logger,
		glob:        filepath.Glob,
		exists: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
		realpath:  filepath.EvalSymlinks,
		magicBaud: magicBaudReset,
	}
}

func (a *SerialAdapter) Transport() fleet.Transport { return fleet.TransportSerial }

// Discover lists serial devices from /dev/serial/by-id plus raw tty
// candidates, de-duplicated through realpath. Mode is inferred from the
// by-id name: firmware images and bootloaders both encode their product
// name into the USB descriptor.
func (a *SerialAdapter) Discover(ctx context.Context) ([]fleet.Observation, error) {
	byID, err := a.glob(filepath.Join(serialByIDDir, "*"))
	if err != nil {
		return nil, flash.NewError(flash.KindDiscoveryFailed, "", err)
	}

	var observations []fleet.Observation
	claimed := make(map[string]bool)
	for _, path := range byID {
		if resolved, err := a.realpath(path); err == nil {
			claimed[resolved] = true
		}
		observations = append(observations, fleet.Observation{
			Transport:   fleet.TransportSerial,
			TransientID: path,
			Name:        filepath.Base(path),
			Mode:        SerialModeFromName(filepath.Base(path)),
		})
	}

	for _, pattern := range rawTTYCandidates {
		matches, err := a.glob(pattern)
		if err != nil {
			continue
		}
		for _, path := range matches {
			resolved := path
			if r, err := a.realpath(path); err == nil {
				resolved = r
			}
			if claimed[resolved] {
				continue
			}
			claimed[resolved] = true
			observations = append(observations, fleet.Observation{
				Transport:   fleet.TransportSerial,
				TransientID: path,
				Name:        filepath.Base(path),
				Mode:        fleet.ModeUnknown,
			})
		}
	}
	return observations, nil
}

// Flash programs the device with the Katapult flash tool. The device must
// be in bootloader mode; the tool reboots it to firmware when done.
func (a *SerialAdapter) Flash(ctx context.Context, target Target, sink proc.LineSink) error {
	result, err := a.runner.Run(ctx, proc.Command{
		Name: "python3",
		Args: []string{
			filepath.Join(a.katapultDir, "scripts", "flashtool.py"),
			"-f", target.ArtifactPath,
			"-d", target.Address,
			"-b", fmt.Sprint(a.baud),
		},
		Timeout: 5 * time.Minute,
	}, sink)
	if err != nil {
		return flash.NewError(flash.KindFlashFailed, target.Device.ID, err).WithDiagnostic(result.Output)
	}
	if result.ExitCode != 0 {
		return flash.Failure(flash.FailureToolError, result.ExitCode, result.Output).
			Err(flash.KindFlashFailed, target.Device.ID)
	}
	return nil
}

// EnterBootloader tries the 1200 baud magic reset first, then falls back to
// the flash tool's reboot request if the device is still present. Success
// is either the device path disappearing (the device is re-enumerating) or
// a clean reboot-request exit.
func (a *SerialAdapter) EnterBootloader(ctx context.Context, target Target, sink proc.LineSink) error {
	path := target.Address

	const magicAttempts = 2
	for attempt := 1; attempt <= magicAttempts; attempt++ {
		if sink != nil {
			sink(fmt.Sprintf("Trying 1200 baud reset on %s (attempt %d/%d)", path, attempt, magicAttempts))
		}
		err := a.magicBaud(path)
		if err != nil {
			a.logger.Printf("1200 baud reset on %s: %v", path, err)
			continue
		}
		if a.waitForDisappearance(ctx, path, 2*time.Second) {
			if sink != nil {
				sink("Device disconnected, waiting for bootloader enumeration")
			}
			return nil
		}
	}

	if !a.exists(path) {
		// Path gone despite reset errors: the device already rebooted.
		return nil
	}

	if sink != nil {
		sink("1200 baud reset had no effect, requesting reboot via flash tool")
	}
	result, err := a.runner.Run(ctx, proc.Command{
		Name: "python3",
		Args: []string{
			filepath.Join(a.katapultDir, "scripts", "flashtool.py"),
			"-d", path,
			"-b", fmt.Sprint(a.baud),
			"-r",
		},
		Timeout: 30 * time.Second,
	}, sink)
	if err != nil {
		return flash.NewError(flash.KindEntryFailed, target.Device.ID, err).WithDiagnostic(result.Output)
	}
	if result.ExitCode != 0 {
		return flash.Failure(flash.FailureToolError, result.ExitCode, result.Output).
			Err(flash.KindEntryFailed, target.Device.ID)
	}
	return nil
}

// ExitBootloader is implicit for serial devices: the flash tool jumps to
// the application after programming, and Katapult times out into the app on
// its own otherwise.
func (a *SerialAdapter) ExitBootloader(ctx context.Context, target Target, sink proc.LineSink) error {
	if sink != nil {
		sink(fmt.Sprintf("Serial device %s returns to firmware on its own after flashing", target.Device.ID))
	}
	return nil
}

// waitForDisappearance polls until the path vanishes or the window closes.
func (a *SerialAdapter) waitForDisappearance(ctx context.Context, path string, window time.Duration) bool {
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		if !a.exists(path) {
			return true
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return !a.exists(path)
		}
	}
	return !a.exists(path)
}

// SerialModeFromName infers a device's mode from its by-id name. Klipper
// and Kalico builds advertise themselves in the USB product string, as do
// the Katapult and CanBoot bootloaders.
func SerialModeFromName(name string) fleet.Mode {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "katapult") || strings.Contains(lower, "canboot"):
		return fleet.ModeBootloader
	case strings.Contains(lower, "klipper") || strings.Contains(lower, "kalico"):
		return fleet.ModeFirmware
	}
	return fleet.ModeUnknown
}

// ExtractSerial pulls a USB serial number out of a device identifier. For
// by-id paths the serial is the longest underscore-delimited token that is
// not a known product word; bare identifiers that already look like serial
// numbers pass through.
func ExtractSerial(deviceID string) string {
	if deviceID == "" {
		return ""
	}
	if strings.HasPrefix(deviceID, serialByIDDir+"/") {
		name := filepath.Base(deviceID)
		name = strings.ReplaceAll(name, "-if", "_")
		var best string
		for _, part := range strings.Split(name, "_") {
			switch part {
			case "", "usb", "Klipper", "katapult", "CanBoot", "00":
				continue
			}
			if len(part) > len(best) {
				best = part
			}
		}
		return best
	}
	if !strings.Contains(deviceID, "/") && len(deviceID) > 5 {
		return deviceID
	}
	return ""
}
