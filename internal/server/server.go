// Package server exposes the orchestrator's HTTP and WebSocket API. REST
// endpoints cover the registry and batch control; WebSocket streams carry
// the live task log and status events to dashboards and the CLI.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ModularPrintingSystem/KlipperFleet/internal/config"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/eventbus"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/fleet"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/fleet/store"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/batch"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/detect"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/proc"
)

// Detector provides live discovery across every transport adapter.
type Detector interface {
	Snapshot(ctx context.Context) ([]detect.DeviceStatus, []fleet.Observation, error)
}

// BatchRunner executes batch operations to completion.
type BatchRunner interface {
	RunBatch(ctx context.Context, batchID string, deviceIDs []string, op batch.Operation) (batch.Summary, error)
}

// ProfileSource manages the named configuration payloads firmware is
// built from.
type ProfileSource interface {
	Profiles() ([]string, error)
	SaveProfile(profile string, payload []byte) error
}

// Rebooter returns a device parked in bootloader mode to application
// firmware without flashing.
type Rebooter interface {
	ExitOnly(ctx context.Context, dev fleet.Device, sink proc.LineSink) error
}

// Options wires the server's collaborators.
type Options struct {
	Settings config.Settings
	Store    *store.Store
	Detector Detector
	Batches  BatchRunner
	Profiles ProfileSource
	Rebooter Rebooter
	Bus      *eventbus.Bus
	Logger   *log.Logger
}

// Server is the daemon's API front end.
type Server struct {
	settings config.Settings
	store    *store.Store
	detector Detector
	batches  BatchRunner
	profiles ProfileSource
	rebooter Rebooter
	bus      *eventbus.Bus
	logger   *log.Logger

	httpServer *http.Server
	listener   net.Listener
	startTime  time.Time

	tracker *taskTracker

	mu          sync.Mutex
	activeBatch string
	activeOp    batch.Operation
	lastSummary *batch.Summary
	batchCancel context.CancelFunc
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[APIServer] ", log.LstdFlags)
	}
	s := &Server{
		settings:  opts.Settings,
		store:     opts.Store,
		detector:  opts.Detector,
		batches:   opts.Batches,
		profiles:  opts.Profiles,
		rebooter:  opts.Rebooter,
		bus:       opts.Bus,
		logger:    logger,
		startTime: time.Now(),
		tracker:   newTaskTracker(),
	}
	return s
}

// Start binds the listen address and serves until Shutdown. The task
// tracker begins consuming status events immediately so the fleet view can
// overlay in-flight tasks.
func (s *Server) Start() error {
	s.tracker.start(s.bus)

	listener, err := net.Listen("tcp", s.settings.Listen)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.settings.Listen, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("serve: %v", err)
		}
	}()

	s.logger.Printf("listening on %s", listener.Addr())
	return nil
}

// Addr returns the bound address, useful when Listen was ":0".
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections, cancels any running batch and
// drains the task tracker.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.batchCancel != nil {
		s.batchCancel()
	}
	s.mu.Unlock()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.tracker.stop()
	return err
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /fleet", s.handleFleet)
	mux.HandleFunc("POST /fleet/device", s.handleUpsertDevice)
	mux.HandleFunc("DELETE /fleet/device/{id}", s.handleRemoveDevice)
	mux.HandleFunc("POST /fleet/attach", s.handleAttach)
	mux.HandleFunc("POST /fleet/reboot", s.handleReboot)
	mux.HandleFunc("POST /scan", s.handleScan)
	mux.HandleFunc("GET /profiles", s.handleProfiles)
	mux.HandleFunc("PUT /profiles/{name}", s.handleSaveProfile)
	mux.HandleFunc("POST /batch", s.handleStartBatch)
	mux.HandleFunc("GET /artifacts/{profile}", s.handleArtifact)
	mux.HandleFunc("GET /batch/ws", s.handleBatchWS)
	mux.HandleFunc("GET /ws", s.handleEventsWS)
	return mux
}

// taskTracker mirrors task status events into a lookup the fleet view can
// overlay on registry data. The registry never learns about in-flight
// tasks; the tracker is the only place that knows a device is mid-flash.
type taskTracker struct {
	mu       sync.Mutex
	active   map[string]eventbus.TaskStatusEvent // deviceID -> running task
	lastDone map[string]eventbus.TaskStatusEvent // deviceID -> last terminal task
	sub      *eventbus.TypedSubscription[eventbus.TaskStatusEvent]
	done     chan struct{}
}

func newTaskTracker() *taskTracker {
	return &taskTracker{
		active:   make(map[string]eventbus.TaskStatusEvent),
		lastDone: make(map[string]eventbus.TaskStatusEvent),
	}
}

func (t *taskTracker) start(bus *eventbus.Bus) {
	if bus == nil {
		return
	}
	t.sub = eventbus.SubscribeTo(bus, eventbus.Tasks.Status,
		eventbus.WithSubscriptionName("api-task-tracker"))
	t.done = make(chan struct{})
	go func() {
		defer close(t.done)
		for env := range t.sub.C() {
			t.observe(env.Payload)
		}
	}()
}

func (t *taskTracker) stop() {
	if t.sub == nil {
		return
	}
	t.sub.Close()
	<-t.done
}

func (t *taskTracker) observe(ev eventbus.TaskStatusEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch batch.TaskState(ev.Status) {
	case batch.TaskRunning:
		t.active[ev.DeviceID] = ev
	case batch.TaskSucceeded, batch.TaskFailed, batch.TaskSkipped:
		delete(t.active, ev.DeviceID)
		t.lastDone[ev.DeviceID] = ev
	}
}

// running returns the in-flight task for a device, if any.
func (t *taskTracker) running(deviceID string) (eventbus.TaskStatusEvent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ev, ok := t.active[deviceID]
	return ev, ok
}

// lastOutcome returns the most recent terminal task for a device.
func (t *taskTracker) lastOutcome(deviceID string) (eventbus.TaskStatusEvent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ev, ok := t.lastDone[deviceID]
	return ev, ok
}
