package adapter

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ModularPrintingSystem/KlipperFleet/internal/fleet"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/proc"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/service"
)

// LinuxProcessID is the fixed stable identity of the host MCU process.
const LinuxProcessID = "linux_process"

// hostMCUSocket is created by the running host MCU process; its presence
// means the process is in service.
const hostMCUSocket = "/tmp/klipper_host_mcu"

// LinuxAdapter "flashes" the host MCU: the build output replaces the
// binary the klipper-mcu service runs. Bootloader mode for this transport
// is simply "service stopped, binary replaceable".
type LinuxAdapter struct {
	runner  proc.Runner
	svc     *service.Controller
	unit    string
	binPath string
	logger  *log.Logger

	exists func(path string) bool
}

type LinuxOptions struct {
	Runner   proc.Runner
	Services *service.Controller
	Unit     string // "klipper-mcu.service"
	Binary   string // "/usr/local/bin/klipper_mcu"
	Logger   *log.Logger
}

func NewLinuxAdapter(opts LinuxOptions) *LinuxAdapter {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[LinuxAdapter] ", log.LstdFlags)
	}
	return &LinuxAdapter{
		runner:  opts.Runner,
		svc:     opts.Services,
		unit:    opts.Unit,
		binPath: opts.Binary,
		logger:  logger,
		exists: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
	}
}

func (a *LinuxAdapter) Transport() fleet.Transport { return fleet.TransportLinux }

// Discover reports the host MCU as a single device. It is in firmware mode
// while its service socket exists, bootloader mode otherwise.
func (a *LinuxAdapter) Discover(ctx context.Context) ([]fleet.Observation, error) {
	mode := fleet.ModeBootloader
	if a.exists(hostMCUSocket) {
		mode = fleet.ModeFirmware
	}
	return []fleet.Observation{{
		Transport:   fleet.TransportLinux,
		TransientID: LinuxProcessID,
		Name:        "Linux Process (Host MCU)",
		Mode:        mode,
	}}, nil
}

// EnterBootloader stops the host MCU service and kills any straggler still
// holding the binary open.
func (a *LinuxAdapter) EnterBootloader(ctx context.Context, target Target, sink proc.LineSink) error {
	if sink != nil {
		sink(fmt.Sprintf("Stopping %s", a.unit))
	}
	if err := a.svc.StopUnit(ctx, a.unit); err != nil {
		// A not-loaded unit is fine; the process may be run manually.
		a.logger.Printf("stop %s: %v", a.unit, err)
	}

	// The binary cannot be replaced while a process has it mapped.
	result, err := a.runner.Run(ctx, proc.Command{
		Name:    "fuser",
		Args:    []string{"-k", a.binPath},
		Sudo:    true,
		Timeout: 15 * time.Second,
	}, nil)
	if err != nil {
		return flash.NewError(flash.KindEntryFailed, target.Device.ID, err).WithDiagnostic(result.Output)
	}

	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
		return flash.NewError(flash.KindEntryFailed, target.Device.ID, ctx.Err())
	}
	return nil
}

// Flash installs the built binary over the service's executable.
func (a *LinuxAdapter) Flash(ctx context.Context, target Target, sink proc.LineSink) error {
	if sink != nil {
		sink(fmt.Sprintf("Installing %s to %s", target.ArtifactPath, a.binPath))
	}

	result, err := a.runner.Run(ctx, proc.Command{
		Name:    "cp",
		Args:    []string{target.ArtifactPath, a.binPath},
		Sudo:    true,
		Timeout: 30 * time.Second,
	}, sink)
	if err != nil {
		return flash.NewError(flash.KindFlashFailed, target.Device.ID, err).WithDiagnostic(result.Output)
	}
	if result.ExitCode != 0 {
		return flash.Failure(flash.FailureToolError, result.ExitCode, result.Output).
			Err(flash.KindFlashFailed, target.Device.ID)
	}

	result, err = a.runner.Run(ctx, proc.Command{
		Name:    "chmod",
		Args:    []string{"+x", a.binPath},
		Sudo:    true,
		Timeout: 15 * time.Second,
	}, nil)
	if err != nil {
		return flash.NewError(flash.KindFlashFailed, target.Device.ID, err).WithDiagnostic(result.Output)
	}
	if result.ExitCode != 0 {
		return flash.Failure(flash.FailureToolError, result.ExitCode, result.Output).
			Err(flash.KindFlashFailed, target.Device.ID)
	}
	if sink != nil {
		sink("Host MCU binary installed")
	}
	return nil
}

// ExitBootloader starts the host MCU service again.
func (a *LinuxAdapter) ExitBootloader(ctx context.Context, target Target, sink proc.LineSink) error {
	if sink != nil {
		sink(fmt.Sprintf("Starting %s", a.unit))
	}
	if err := a.svc.StartUnit(ctx, a.unit); err != nil {
		return flash.NewError(flash.KindExitFailed, target.Device.ID, err)
	}
	return nil
}
