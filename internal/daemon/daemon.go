package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/ModularPrintingSystem/KlipperFleet/internal/build"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/config"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/eventbus"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/adapter"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/batch"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/canbus"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/detect"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/locks"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/proc"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/service"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/transition"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/fleet/store"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/procutil"
	daemonruntime "github.com/ModularPrintingSystem/KlipperFleet/internal/runtime"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/server"
)

const (
	// shutdownTimeout bounds how long Shutdown waits for the HTTP server
	// to drain in-flight requests before closing the registry.
	shutdownTimeout = 10 * time.Second

	// batchLockTimeout bounds how long a batch waits for the service and
	// CAN interface locks before aborting.
	batchLockTimeout = 30 * time.Second
)

// Options groups dependencies required to construct a Daemon.
type Options struct {
	Paths    config.InstancePaths
	Settings config.Settings
	Logger   *log.Logger
}

// Daemon wires the device registry, detector, transition machine, firmware
// builder and batch orchestrator behind the HTTP API.
type Daemon struct {
	paths    config.InstancePaths
	settings config.Settings
	logger   *log.Logger

	store     *store.Store
	bus       *eventbus.Bus
	apiServer *server.Server
	lifecycle *daemonruntime.Lifecycle

	shutdownOnce sync.Once
	shutdownErr  error
}

// New opens the registry and assembles the flash pipeline. The daemon does
// not listen or touch hardware until Start.
func New(opts Options) (*Daemon, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[Daemon] ", log.LstdFlags)
	}

	st, err := store.Open(store.Options{DBPath: opts.Paths.RegistryDB})
	if err != nil {
		return nil, fmt.Errorf("daemon: open registry: %w", err)
	}

	bus := eventbus.New()
	runner := proc.NewPTYRunner()
	lockManager := locks.NewManager()
	services := service.NewController(runner, opts.Settings.ServiceUnits, nil)
	links := canbus.NewLinkManager(runner, opts.Settings.CANBitrate)

	adapters := adapter.NewSet(
		adapter.NewCANAdapter(adapter.CANOptions{
			Runner:      runner,
			Links:       links,
			KatapultDir: opts.Settings.KatapultDir,
			KlipperDir:  opts.Settings.KlipperDir,
		}),
		adapter.NewSerialAdapter(adapter.SerialOptions{
			Runner:      runner,
			KatapultDir: opts.Settings.KatapultDir,
			Baud:        opts.Settings.SerialBaud,
		}),
		adapter.NewDFUAdapter(adapter.DFUOptions{
			Runner:         runner,
			VendorID:       opts.Settings.DFUVendorID,
			DefaultAddress: opts.Settings.DFUAddress,
		}),
		adapter.NewLinuxAdapter(adapter.LinuxOptions{
			Runner:   runner,
			Services: services,
			Unit:     opts.Settings.HostMCUService,
			Binary:   opts.Settings.HostMCUBinary,
		}),
	)

	detector := detect.New(st, adapters, nil)
	machine := transition.NewMachine(detector, adapters, st, bus, nil)
	builder := build.New(build.Options{
		Runner:       runner,
		Store:        st,
		KlipperDir:   opts.Settings.KlipperDir,
		ProfilesDir:  opts.Paths.ProfilesDir,
		ArtifactsDir: opts.Paths.ArtifactsDir,
	})

	orchestrator := &batch.Orchestrator{
		Store:       st,
		Detector:    detector,
		Machine:     machine,
		Builder:     builder,
		Locks:       lockManager,
		Services:    services,
		Bus:         bus,
		LockTimeout: batchLockTimeout,
	}

	apiServer := server.New(server.Options{
		Settings: opts.Settings,
		Store:    st,
		Detector: detector,
		Batches:  orchestrator,
		Profiles: builder,
		Rebooter: machine,
		Bus:      bus,
	})

	return &Daemon{
		paths:     opts.Paths,
		settings:  opts.Settings,
		logger:    logger,
		store:     st,
		bus:       bus,
		apiServer: apiServer,
		lifecycle: daemonruntime.NewLifecycle(),
	}, nil
}

// Start claims the instance lock and begins serving the API. It returns
// once the listener is bound.
func (d *Daemon) Start() error {
	if err := daemonruntime.WritePIDFile(d.paths.Lock, os.Getpid()); err != nil {
		return fmt.Errorf("daemon: claim instance lock: %w", err)
	}

	if err := d.apiServer.Start(); err != nil {
		daemonruntime.RemovePIDFile(d.paths.Lock)
		return err
	}

	go d.logModeChanges()

	d.logger.Printf("API listening on %s", d.apiServer.Addr())
	return nil
}

// Addr returns the bound API address, empty before Start.
func (d *Daemon) Addr() string {
	return d.apiServer.Addr()
}

// Shutdown stops the API server, drains the event bus and closes the
// registry. Safe to call more than once.
func (d *Daemon) Shutdown() error {
	d.shutdownOnce.Do(func() {
		d.lifecycle.Shutdown()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := d.apiServer.Shutdown(ctx)
		d.bus.Shutdown()
		if cerr := d.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
		daemonruntime.RemovePIDFile(d.paths.Lock)
		d.shutdownErr = err
	})
	return d.shutdownErr
}

// logModeChanges mirrors device mode transitions into the daemon log so
// operators can reconstruct flash history without the websocket stream.
func (d *Daemon) logModeChanges() {
	sub := eventbus.SubscribeTo(d.bus, eventbus.Devices.Mode,
		eventbus.WithSubscriptionName("daemon-mode-log"))
	defer sub.Close()

	for {
		select {
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			d.logger.Printf("device %s: %s -> %s",
				env.Payload.DeviceID, env.Payload.Previous, env.Payload.Mode)
		case <-d.lifecycle.Done():
			return
		}
	}
}

// IsRunning checks whether another daemon instance already holds the lock
// file. Stale locks left by a crashed process are removed.
func IsRunning() bool {
	paths := config.GetInstancePaths()

	pid, err := daemonruntime.ReadPIDFile(paths.Lock)
	if err != nil {
		if !os.IsNotExist(err) {
			daemonruntime.RemovePIDFile(paths.Lock)
		}
		return false
	}

	if !procutil.IsProcessAlive(pid) {
		daemonruntime.RemovePIDFile(paths.Lock)
		return false
	}

	return true
}
