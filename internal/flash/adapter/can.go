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
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/canbus"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/proc"
)

const canDiscoveryTTL = 2 * time.Second

// CANAdapter flashes CAN nodes through the Katapult flash tool and moves
// them between modes with raw bus handshakes.
type CANAdapter struct {
	runner      proc.Runner
	links       *canbus.LinkManager
	openBus     canbus.OpenFunc
	katapultDir string
	klipperDir  string
	cache       *discoveryCache
	logger      *log.Logger
}

type CANOptions struct {
	Runner      proc.Runner
	Links       *canbus.LinkManager
	OpenBus     canbus.OpenFunc
	KatapultDir string
	KlipperDir  string
	Logger      *log.Logger
}

func NewCANAdapter(opts CANOptions) *CANAdapter {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[CANAdapter] ", log.LstdFlags)
	}
	openBus := opts.OpenBus
	if openBus == nil {
		openBus = canbus.Open
	}
	return &CANAdapter{
		runner:      opts.Runner,
		links:       opts.Links,
		openBus:     openBus,
		katapultDir: opts.KatapultDir,
		klipperDir:  opts.KlipperDir,
		cache:       newDiscoveryCache(canDiscoveryTTL),
		logger:      logger,
	}
}

func (a *CANAdapter) Transport() fleet.Transport { return fleet.TransportCAN }

// Discover queries every CAN interface on the host. Both the Katapult and
// the Klipper query tools are asked; Katapult answers are preferred because
// they distinguish bootloader from firmware reliably.
func (a *CANAdapter) Discover(ctx context.Context) ([]fleet.Observation, error) {
	ifaces, err := a.links.ListInterfaces(ctx)
	if err != nil {
		return nil, flash.NewError(flash.KindDiscoveryFailed, "", err)
	}

	var all []fleet.Observation
	for _, iface := range ifaces {
		observations, err := a.DiscoverInterface(ctx, iface)
		if err != nil {
			a.logger.Printf("discovery on %s failed: %v", iface, err)
			continue
		}
		all = append(all, observations...)
	}
	return all, nil
}

// DiscoverInterface queries one interface, serving cached results inside
// the TTL window.
func (a *CANAdapter) DiscoverInterface(ctx context.Context, iface string) ([]fleet.Observation, error) {
	if cached, ok := a.cache.get(iface); ok {
		return cached, nil
	}
	if err := a.links.EnsureUp(ctx, iface); err != nil {
		return nil, flash.NewError(flash.KindDiscoveryFailed, "", err)
	}

	seen := make(map[string]fleet.Observation)
	order := make([]string, 0, 8)

	katapultHits, err := a.katapultQuery(ctx, iface)
	if err != nil {
		return nil, err
	}
	for _, hit := range katapultHits {
		mode := fleet.ModeFirmware
		if app := strings.ToLower(hit.application); app == "katapult" || app == "canboot" {
			mode = fleet.ModeBootloader
		}
		if _, dup := seen[hit.uuid]; !dup {
			order = append(order, hit.uuid)
		}
		seen[hit.uuid] = fleet.Observation{
			Transport:   fleet.TransportCAN,
			TransientID: hit.uuid,
			Name:        fmt.Sprintf("CAN Device (%s)", hit.uuid),
			Mode:        mode,
			Interface:   iface,
		}
	}

	for _, hit := range a.klipperQuery(ctx, iface) {
		if _, dup := seen[hit.uuid]; dup {
			continue
		}
		order = append(order, hit.uuid)
		seen[hit.uuid] = fleet.Observation{
			Transport:   fleet.TransportCAN,
			TransientID: hit.uuid,
			Name:        fmt.Sprintf("CAN Device (%s)", hit.uuid),
			Mode:        fleet.ModeFirmware,
			Interface:   iface,
		}
	}

	observations := make([]fleet.Observation, 0, len(order))
	for _, uuid := range order {
		observations = append(observations, seen[uuid])
	}
	a.cache.put(iface, observations)
	return observations, nil
}

// InvalidateCache drops cached discovery results for one interface.
func (a *CANAdapter) InvalidateCache(iface string) {
	a.cache.invalidate(iface)
}

// Flash programs the node over the bus with the Katapult flash tool. The
// node must already be in bootloader mode.
func (a *CANAdapter) Flash(ctx context.Context, target Target, sink proc.LineSink) error {
	iface := target.Device.CANInterface
	defer a.cache.invalidate(iface)

	result, err := a.runner.Run(ctx, proc.Command{
		Name: "python3",
		Args: []string{
			filepath.Join(a.katapultDir, "scripts", "flashtool.py"),
			"-i", iface,
			"-u", target.Address,
			"-f", target.ArtifactPath,
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

// EnterBootloader performs the two-phase bus handshake: assign a node
// identity, then issue the complete command that reboots the node into
// Katapult. Failure of either phase aborts; the node's reachability is then
// unknown until the next discovery.
func (a *CANAdapter) EnterBootloader(ctx context.Context, target Target, sink proc.LineSink) error {
	return a.handshake(ctx, target, sink, flash.KindEntryFailed, "bootloader")
}

// ExitBootloader reuses the same handshake from bootloader mode; Katapult
// treats the complete command as a jump to the application.
func (a *CANAdapter) ExitBootloader(ctx context.Context, target Target, sink proc.LineSink) error {
	return a.handshake(ctx, target, sink, flash.KindExitFailed, "application")
}

func (a *CANAdapter) handshake(ctx context.Context, target Target, sink proc.LineSink, kind flash.ErrorKind, destination string) error {
	iface := target.Device.CANInterface
	defer a.cache.invalidate(iface)

	if err := a.links.EnsureUp(ctx, iface); err != nil {
		return flash.NewError(kind, target.Device.ID, err)
	}

	bus, err := a.openBus(iface)
	if err != nil {
		return flash.NewError(kind, target.Device.ID, err)
	}
	defer bus.Close()

	if sink != nil {
		sink(fmt.Sprintf("Requesting reboot of %s to %s via %s", target.Address, destination, iface))
	}
	if err := canbus.NewCommander(bus).Reboot(ctx, target.Address); err != nil {
		return flash.NewError(kind, target.Device.ID, err).
			WithDiagnostic(fmt.Sprintf("handshake phase %q failed", canbus.PhaseOf(err)))
	}
	if sink != nil {
		sink("Reboot request acknowledged")
	}
	return nil
}

type queryHit struct {
	uuid        string
	application string
}

func (a *CANAdapter) katapultQuery(ctx context.Context, iface string) ([]queryHit, error) {
	result, err := a.runner.Run(ctx, proc.Command{
		Name: "python3",
		Args: []string{
			filepath.Join(a.katapultDir, "scripts", "flashtool.py"),
			"-i", iface,
			"-q",
		},
		Timeout: 10 * time.Second,
	}, nil)
	if err != nil {
		return nil, flash.NewError(flash.KindDiscoveryFailed, "", err)
	}
	if result.ExitCode != 0 {
		return nil, flash.Failure(flash.FailureToolError, result.ExitCode, result.Output).
			Err(flash.KindDiscoveryFailed, "")
	}
	return parseKatapultQuery(result.Output), nil
}

// klipperQuery is best effort; many hosts run Katapult everywhere and the
// Klipper query tool only reports firmware-mode nodes anyway.
func (a *CANAdapter) klipperQuery(ctx context.Context, iface string) []queryHit {
	result, err := a.runner.Run(ctx, proc.Command{
		Name: a.klipperPython(),
		Args: []string{
			filepath.Join(a.klipperDir, "scripts", "canbus_query.py"),
			iface,
		},
		Timeout: 10 * time.Second,
	}, nil)
	if err != nil || result.ExitCode != 0 {
		return nil
	}
	return parseKlipperQuery(result.Output)
}

// klipperPython prefers the klippy virtualenv interpreter when present.
func (a *CANAdapter) klipperPython() string {
	venv := filepath.Join(a.klipperDir, "..", "klippy-env", "bin", "python3")
	if _, err := os.Stat(venv); err == nil {
		return venv
	}
	return "python3"
}

// parseKatapultQuery extracts "Detected UUID: <uuid>, Application: <app>"
// lines from flashtool query output.
func parseKatapultQuery(output string) []queryHit {
	var hits []queryHit
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "UUID:") {
			continue
		}
		line = strings.ReplaceAll(line, "Detected UUID:", "UUID:")
		parts := strings.SplitN(line, ",", 2)
		_, uuidPart, ok := strings.Cut(parts[0], "UUID:")
		if !ok {
			continue
		}
		hit := queryHit{uuid: strings.TrimSpace(uuidPart), application: "Unknown"}
		if hit.uuid == "" {
			continue
		}
		if len(parts) > 1 {
			if _, appPart, ok := strings.Cut(parts[1], "Application:"); ok {
				hit.application = strings.TrimSpace(appPart)
			}
		}
		hits = append(hits, hit)
	}
	return hits
}

// parseKlipperQuery extracts "canbus_uuid=<uuid>, Application: <app>" lines
// from canbus_query output.
func parseKlipperQuery(output string) []queryHit {
	var hits []queryHit
	for _, line := range strings.Split(output, "\n") {
		_, rest, ok := strings.Cut(line, "canbus_uuid=")
		if !ok {
			continue
		}
		uuid := strings.TrimSpace(strings.SplitN(rest, ",", 2)[0])
		if uuid == "" {
			continue
		}
		hit := queryHit{uuid: uuid, application: "Unknown"}
		if _, appPart, ok := strings.Cut(line, "Application:"); ok {
			hit.application = strings.TrimSpace(appPart)
		}
		hits = append(hits, hit)
	}
	return hits
}
