// Package batch sequences flash operations across many devices. One batch
// holds the shared resource locks for its whole scope, flashes devices on
// different transports concurrently, serializes devices that share a CAN
// bus, and always flashes a bridge after its downstream nodes have reached
// a terminal state.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ModularPrintingSystem/KlipperFleet/internal/eventbus"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/fleet"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/fleet/store"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/detect"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/locks"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/proc"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/service"
)

// Operation selects what a batch does to its devices.
type Operation string

const (
	// OpBuildOnly compiles artifacts for the devices' profiles without
	// touching any hardware.
	OpBuildOnly Operation = "build_only"
	// OpFlashReady flashes only devices already sitting in bootloader
	// mode; everything else is skipped.
	OpFlashReady Operation = "flash_ready"
	// OpFlashAll runs the full cycle on every device using the artifacts
	// already built for their profiles.
	OpFlashAll Operation = "flash_all"
	// OpBuildAndFlashAll builds every needed profile first, then flashes.
	OpBuildAndFlashAll Operation = "build_and_flash_all"
)

// ParseOperation validates an operation string.
func ParseOperation(s string) (Operation, error) {
	switch Operation(s) {
	case OpBuildOnly, OpFlashReady, OpFlashAll, OpBuildAndFlashAll:
		return Operation(s), nil
	}
	return "", fmt.Errorf("batch: unknown operation %q", s)
}

// TaskState is one device task's lifecycle state.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskSkipped   TaskState = "skipped"
)

// Terminal reports whether the state is final.
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskSkipped
}

// TaskResult is one device's outcome within a batch.
type TaskResult struct {
	TaskID    string          `json:"task_id"`
	DeviceID  string          `json:"device_id"`
	State     TaskState       `json:"state"`
	ErrorKind flash.ErrorKind `json:"error_kind,omitempty"`
	Detail    string          `json:"detail,omitempty"`
}

// Summary aggregates a finished batch.
type Summary struct {
	BatchID   string       `json:"batch_id"`
	Operation Operation    `json:"operation"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Skipped   int          `json:"skipped"`
	Cancelled bool         `json:"cancelled"`
	Tasks     []TaskResult `json:"tasks"`
}

// Builder compiles a profile into a flashable artifact.
type Builder interface {
	Build(ctx context.Context, profile string, sink proc.LineSink) (fleet.Artifact, error)
}

// Cycler runs the mode-transition cycle for one device. Satisfied by
// *transition.Machine.
type Cycler interface {
	Cycle(ctx context.Context, dev fleet.Device, artifactPath string, sink proc.LineSink) error
	ExitOnly(ctx context.Context, dev fleet.Device, sink proc.LineSink) error
}

// Locator resolves a device's current mode and address. Satisfied by
// *detect.Detector.
type Locator interface {
	Locate(ctx context.Context, dev fleet.Device) (detect.DeviceStatus, error)
}

// Orchestrator runs batches. All fields are required except Logger.
type Orchestrator struct {
	Store    *store.Store
	Detector Locator
	Machine  Cycler
	Builder  Builder
	Locks    *locks.Manager
	Services *service.Controller
	Bus      *eventbus.Bus
	Logger   *log.Logger

	// LockTimeout bounds how long a batch waits for the service and CAN
	// locks before aborting.
	LockTimeout time.Duration
}

func (o *Orchestrator) logger() *log.Logger {
	if o.Logger == nil {
		o.Logger = log.New(log.Writer(), "[Batch] ", log.LstdFlags)
	}
	return o.Logger
}

func (o *Orchestrator) lockTimeout() time.Duration {
	if o.LockTimeout <= 0 {
		return 30 * time.Second
	}
	return o.LockTimeout
}

// NewID mints a batch identifier. Callers that need the ID before the
// batch starts (to route streaming events) pass it to RunBatch.
func NewID() string {
	return uuid.NewString()
}

// Run executes a batch over the named devices and blocks until every task
// reaches a terminal state. Cancellation via ctx lets in-flight device
// steps finish and skips everything not yet started. A lock acquisition
// failure aborts the whole batch before any device is touched.
func (o *Orchestrator) Run(ctx context.Context, deviceIDs []string, op Operation) (Summary, error) {
	return o.RunBatch(ctx, NewID(), deviceIDs, op)
}

// RunBatch is Run with a caller-supplied batch ID.
func (o *Orchestrator) RunBatch(ctx context.Context, batchID string, deviceIDs []string, op Operation) (Summary, error) {
	summary := Summary{BatchID: batchID, Operation: op}

	devices, err := o.resolveDevices(ctx, deviceIDs)
	if err != nil {
		return summary, err
	}

	tasks := make([]*task, len(devices))
	for i, dev := range devices {
		tasks[i] = &task{
			id:      uuid.NewString()[:8],
			batchID: batchID,
			device:  dev,
			state:   TaskPending,
			done:    make(chan struct{}),
		}
	}

	eventbus.Publish(ctx, o.Bus, eventbus.Batches.Lifecycle, eventbus.SourceOrchestrator,
		eventbus.BatchLifecycleEvent{BatchID: batchID, State: eventbus.BatchStateStarted, Operation: string(op)})

	if op == OpBuildOnly {
		o.runBuildOnly(ctx, tasks)
		return o.finish(ctx, summary, tasks), nil
	}

	release, err := o.acquireScope(ctx, batchID, devices)
	if err != nil {
		for _, t := range tasks {
			o.skip(ctx, t, "batch aborted: "+err.Error())
		}
		return o.finish(ctx, summary, tasks), err
	}
	defer release()

	artifacts := o.prepareArtifacts(ctx, op, tasks)
	o.runFlashPhase(ctx, op, tasks, artifacts)
	o.returnToServicePhase(ctx, tasks)

	return o.finish(ctx, summary, tasks), nil
}

type task struct {
	id      string
	batchID string
	device  fleet.Device

	mu        sync.Mutex
	state     TaskState
	errorKind flash.ErrorKind
	detail    string
	done      chan struct{}

	// waitOn holds the downstream tasks this bridge must see finish
	// before touching its own device. Set once during scheduling.
	waitOn []*task

	logSeq atomic.Uint64
}

func (t *task) result() TaskResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskResult{
		TaskID:    t.id,
		DeviceID:  t.device.ID,
		State:     t.state,
		ErrorKind: t.errorKind,
		Detail:    t.detail,
	}
}

func (t *task) currentState() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// resolveDevices loads the batch's devices, preserving registry order for
// an empty selection and the caller's order otherwise.
func (o *Orchestrator) resolveDevices(ctx context.Context, deviceIDs []string) ([]fleet.Device, error) {
	if len(deviceIDs) == 0 {
		return o.Store.ListDevices(ctx)
	}
	devices := make([]fleet.Device, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		dev, err := o.Store.GetDevice(ctx, id)
		if err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// acquireScope takes every shared lock the batch needs: the service lock
// (with the firmware services suspended), then each CAN interface lock in
// sorted order so two batches cannot deadlock on overlapping interfaces.
func (o *Orchestrator) acquireScope(ctx context.Context, batchID string, devices []fleet.Device) (func(), error) {
	label := "batch " + shortID(batchID)
	var releases []func()
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	release, err := o.Locks.AcquireTimeout(ctx, locks.ServiceLockName, label, o.lockTimeout())
	if err != nil {
		return nil, flash.NewError(flash.KindLockTimeout, "", err)
	}
	releases = append(releases, release)

	resume, err := o.Services.Suspend(ctx)
	if err != nil {
		releaseAll()
		return nil, err
	}
	releases = append(releases, func() {
		if err := resume(context.Background()); err != nil {
			o.logger().Printf("resume services: %v", err)
		}
	})

	for _, iface := range canInterfaces(devices) {
		release, err := o.Locks.AcquireTimeout(ctx, locks.CANLockName(iface), label, o.lockTimeout())
		if err != nil {
			releaseAll()
			return nil, flash.NewError(flash.KindLockTimeout, "", err)
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

func canInterfaces(devices []fleet.Device) []string {
	set := make(map[string]bool)
	for _, dev := range devices {
		if dev.Transport == fleet.TransportCAN && dev.CANInterface != "" {
			set[dev.CANInterface] = true
		}
	}
	ifaces := make([]string, 0, len(set))
	for iface := range set {
		ifaces = append(ifaces, iface)
	}
	sort.Strings(ifaces)
	return ifaces
}

// runBuildOnly builds each distinct profile once and settles every task
// from its profile's build outcome.
func (o *Orchestrator) runBuildOnly(ctx context.Context, tasks []*task) {
	outcomes := o.buildProfiles(ctx, tasks)
	for _, t := range tasks {
		if t.device.Profile == "" {
			o.fail(ctx, t, flash.NewError(flash.KindBuildFailed, t.device.ID,
				errors.New("device has no profile assigned")))
			continue
		}
		if err := outcomes[t.device.Profile]; err != nil {
			o.fail(ctx, t, err)
			continue
		}
		o.succeed(ctx, t)
	}
}

// buildProfiles compiles every distinct profile among the pending tasks.
// The map carries one outcome per profile; failures are flash errors of
// kind build_failed.
func (o *Orchestrator) buildProfiles(ctx context.Context, tasks []*task) map[string]error {
	outcomes := make(map[string]error)
	for _, t := range tasks {
		profile := t.device.Profile
		if profile == "" {
			continue
		}
		if _, done := outcomes[profile]; done {
			continue
		}
		if err := ctx.Err(); err != nil {
			outcomes[profile] = flash.NewError(flash.KindBuildFailed, "", err)
			continue
		}
		o.updateStep(ctx, t, "building "+profile)
		sink := o.taskSink(ctx, t)
		if _, err := o.Builder.Build(ctx, profile, sink); err != nil {
			if flash.KindOf(err) == "" {
				err = flash.NewError(flash.KindBuildFailed, "", err)
			}
			outcomes[profile] = err
			continue
		}
		outcomes[profile] = nil
	}
	return outcomes
}

// prepareArtifacts settles where each task's artifact comes from. For
// build-and-flash it builds first; otherwise it uses the registry's last
// built artifact. Tasks whose profile has no artifact fail here with
// build_failed and never touch their device.
func (o *Orchestrator) prepareArtifacts(ctx context.Context, op Operation, tasks []*task) map[string]string {
	paths := make(map[string]string)

	var buildOutcomes map[string]error
	if op == OpBuildAndFlashAll {
		buildOutcomes = o.buildProfiles(ctx, tasks)
	}

	for _, t := range tasks {
		if t.currentState().Terminal() {
			continue
		}
		profile := t.device.Profile
		if profile == "" {
			o.fail(ctx, t, flash.NewError(flash.KindBuildFailed, t.device.ID,
				errors.New("device has no profile assigned")))
			continue
		}
		if buildOutcomes != nil {
			if err := buildOutcomes[profile]; err != nil {
				o.fail(ctx, t, err)
				continue
			}
		}
		key := profile + "/" + artifactKind(t.device)
		if _, ok := paths[key]; ok {
			continue
		}
		artifact, err := o.Store.GetArtifact(ctx, profile, artifactKind(t.device))
		if err != nil {
			o.fail(ctx, t, flash.NewError(flash.KindBuildFailed, t.device.ID,
				fmt.Errorf("no %s artifact built for profile %s", artifactKind(t.device), profile)))
			continue
		}
		paths[key] = artifact.Path
	}
	return paths
}

// artifactKind picks which build output a device flashes. The host MCU
// runs the ELF directly; everything else takes the raw binary.
func artifactKind(dev fleet.Device) string {
	if dev.Transport == fleet.TransportLinux {
		return "elf"
	}
	return "bin"
}

// runFlashPhase executes the device tasks: one sequential lane per CAN
// interface with bridges ordered last, one concurrent lane per device on
// every other transport. Bridge tasks additionally wait on the terminal
// state of each downstream node in the batch; the wait is a barrier on
// task completion, never on timing.
func (o *Orchestrator) runFlashPhase(ctx context.Context, op Operation, tasks []*task, artifacts map[string]string) {
	lanes := make(map[string][]*task)
	var singles []*task
	for _, t := range tasks {
		if t.currentState().Terminal() {
			// Settled before the flash phase; a bridge must not wait on it.
			close(t.done)
			continue
		}
		if t.device.Transport == fleet.TransportCAN {
			lane := t.device.CANInterface
			lanes[lane] = append(lanes[lane], t)
		} else {
			singles = append(singles, t)
		}
	}
	for lane := range lanes {
		lanes[lane] = orderBridgesLast(lanes[lane])
	}

	scheduled := append([]*task(nil), singles...)
	for _, lane := range lanes {
		scheduled = append(scheduled, lane...)
	}
	assignBridgeWaits(scheduled, lanes)

	var wg sync.WaitGroup
	for _, lane := range lanes {
		wg.Add(1)
		go func(lane []*task) {
			defer wg.Done()
			for _, t := range lane {
				o.runTask(ctx, op, t, artifacts)
			}
		}(lane)
	}
	for _, t := range singles {
		wg.Add(1)
		go func(t *task) {
			defer wg.Done()
			o.runTask(ctx, op, t, artifacts)
		}(t)
	}
	wg.Wait()
}

// orderBridgesLast orders a lane so every bridge runs after all of its
// in-lane downstream tasks. Non-bridge devices keep their relative order;
// chained bridges are placed innermost first. The lane runs sequentially,
// so this ordering is what keeps awaitDownstream from deadlocking.
func orderBridgesLast(lane []*task) []*task {
	ordered := make([]*task, 0, len(lane))
	placed := make(map[string]bool, len(lane))
	var bridges []*task
	for _, t := range lane {
		if t.device.Bridge {
			bridges = append(bridges, t)
			continue
		}
		ordered = append(ordered, t)
		placed[t.device.ID] = true
	}
	for len(bridges) > 0 {
		progress := false
		var deferred []*task
		for _, b := range bridges {
			if bridgeReady(b, lane, placed) {
				ordered = append(ordered, b)
				placed[b.device.ID] = true
				progress = true
			} else {
				deferred = append(deferred, b)
			}
		}
		if !progress {
			// Cyclic bridge references; append as-is rather than hang.
			ordered = append(ordered, deferred...)
			break
		}
		bridges = deferred
	}
	return ordered
}

// bridgeReady reports whether every in-lane downstream task of the bridge
// has already been placed.
func bridgeReady(bridge *task, lane []*task, placed map[string]bool) bool {
	for _, t := range lane {
		if t.device.BridgeID == bridge.device.ID && !placed[t.device.ID] {
			return false
		}
	}
	return true
}

// assignBridgeWaits gives every bridge task the downstream tasks it must
// wait for. Tasks ordered after the bridge in its own sequential lane are
// excluded so the wait can never turn back on itself.
func assignBridgeWaits(scheduled []*task, lanes map[string][]*task) {
	lanePos := make(map[string]int)
	laneOf := make(map[string]string)
	for name, lane := range lanes {
		for i, t := range lane {
			lanePos[t.device.ID] = i
			laneOf[t.device.ID] = name
		}
	}
	for _, b := range scheduled {
		if !b.device.Bridge {
			continue
		}
		for _, t := range scheduled {
			if t == b || t.device.BridgeID != b.device.ID {
				continue
			}
			sameLane := laneOf[t.device.ID] == laneOf[b.device.ID]
			if _, inLane := lanePos[t.device.ID]; inLane && sameLane && lanePos[t.device.ID] > lanePos[b.device.ID] {
				continue
			}
			b.waitOn = append(b.waitOn, t)
		}
	}
}

// runTask drives one device task to a terminal state.
func (o *Orchestrator) runTask(ctx context.Context, op Operation, t *task, artifacts map[string]string) {
	defer close(t.done)

	// Bridge-last barrier: downstream nodes must be terminal before the
	// bridge leaves firmware mode. A failed node does not hold the bridge
	// back; an unfinished one does.
	for _, dep := range t.waitOn {
		<-dep.done
	}

	if ctx.Err() != nil {
		o.skip(ctx, t, "batch cancelled before start")
		return
	}

	o.setState(ctx, t, TaskRunning, "", "starting")
	sink := o.taskSink(ctx, t)

	// The device work itself is not interrupted by batch cancellation;
	// a flash in progress must complete its current step.
	stepCtx := context.WithoutCancel(ctx)

	if op == OpFlashReady {
		status, err := o.Detector.Locate(stepCtx, t.device)
		if err != nil {
			o.fail(ctx, t, err)
			return
		}
		if status.Mode != fleet.ModeBootloader {
			o.skip(ctx, t, fmt.Sprintf("device is %s, not waiting in bootloader", status.Mode))
			return
		}
	}

	path := artifacts[t.device.Profile+"/"+artifactKind(t.device)]
	if path == "" {
		o.fail(ctx, t, flash.NewError(flash.KindBuildFailed, t.device.ID,
			errors.New("no artifact available")))
		return
	}

	o.updateStep(ctx, t, "flashing")
	if err := o.Machine.Cycle(stepCtx, t.device, path, sink); err != nil {
		o.fail(ctx, t, o.classifyBridgeFailure(t.device, err))
		return
	}
	o.succeed(ctx, t)
}

// classifyBridgeFailure upgrades an entry failure on a bridge device to
// the bridge-unreachable kind: the whole downstream segment is cut off and
// needs operator attention, not an automatic retry.
func (o *Orchestrator) classifyBridgeFailure(dev fleet.Device, err error) error {
	if !dev.Bridge || flash.KindOf(err) != flash.KindEntryFailed {
		return err
	}
	wrapped := flash.NewError(flash.KindBridgeUnreachable, dev.ID, err)
	wrapped.Diagnostic = flash.DiagnosticOf(err)
	return wrapped
}

// returnToServicePhase retries the exit step once for devices whose flash
// succeeded up to the exit. It runs after the batch body while the batch
// still holds the service lock, so recovered devices come back before the
// firmware services restart.
func (o *Orchestrator) returnToServicePhase(ctx context.Context, tasks []*task) {
	for _, t := range tasks {
		res := t.result()
		if res.State != TaskFailed || res.ErrorKind != flash.KindExitFailed {
			continue
		}
		o.logger().Printf("retrying bootloader exit for %s", t.device.ID)
		sink := o.taskSink(ctx, t)
		if err := o.Machine.ExitOnly(context.WithoutCancel(ctx), t.device, sink); err != nil {
			o.logger().Printf("exit retry for %s failed: %v", t.device.ID, err)
			continue
		}
		o.setState(ctx, t, TaskSucceeded, "", "recovered by exit retry")
	}
}

// finish publishes the lifecycle event and fills in the summary.
func (o *Orchestrator) finish(ctx context.Context, summary Summary, tasks []*task) Summary {
	summary = o.summarize(summary, tasks)
	summary.Cancelled = ctx.Err() != nil
	state := eventbus.BatchStateFinished
	if summary.Cancelled {
		state = eventbus.BatchStateCancelled
	}
	eventbus.Publish(context.WithoutCancel(ctx), o.Bus, eventbus.Batches.Lifecycle, eventbus.SourceOrchestrator,
		eventbus.BatchLifecycleEvent{
			BatchID:   summary.BatchID,
			State:     state,
			Operation: string(summary.Operation),
			Succeeded: summary.Succeeded,
			Failed:    summary.Failed,
			Skipped:   summary.Skipped,
		})
	return summary
}

func (o *Orchestrator) summarize(summary Summary, tasks []*task) Summary {
	summary.Tasks = summary.Tasks[:0]
	summary.Succeeded, summary.Failed, summary.Skipped = 0, 0, 0
	for _, t := range tasks {
		res := t.result()
		summary.Tasks = append(summary.Tasks, res)
		switch res.State {
		case TaskSucceeded:
			summary.Succeeded++
		case TaskFailed:
			summary.Failed++
		case TaskSkipped:
			summary.Skipped++
		}
	}
	return summary
}

func (o *Orchestrator) succeed(ctx context.Context, t *task) {
	o.setState(ctx, t, TaskSucceeded, "", "")
}

func (o *Orchestrator) fail(ctx context.Context, t *task, err error) {
	kind := flash.KindOf(err)
	detail := err.Error()
	if diag := flash.DiagnosticOf(err); diag != "" {
		detail = detail + ": " + lastLine(diag)
	}
	t.mu.Lock()
	t.state = TaskFailed
	t.errorKind = kind
	t.detail = detail
	t.mu.Unlock()
	o.publishStatus(ctx, t, "")
}

func (o *Orchestrator) skip(ctx context.Context, t *task, reason string) {
	t.mu.Lock()
	t.state = TaskSkipped
	t.detail = reason
	t.mu.Unlock()
	o.publishStatus(ctx, t, "")
}

func (o *Orchestrator) setState(ctx context.Context, t *task, state TaskState, kind flash.ErrorKind, step string) {
	t.mu.Lock()
	t.state = state
	t.errorKind = kind
	if step != "" && state != TaskRunning {
		t.detail = step
	}
	t.mu.Unlock()
	o.publishStatus(ctx, t, step)
}

func (o *Orchestrator) updateStep(ctx context.Context, t *task, step string) {
	o.publishStatus(ctx, t, step)
}

func (o *Orchestrator) publishStatus(ctx context.Context, t *task, step string) {
	res := t.result()
	eventbus.Publish(context.WithoutCancel(ctx), o.Bus, eventbus.Tasks.Status, eventbus.SourceOrchestrator,
		eventbus.TaskStatusEvent{
			BatchID:   t.batchID,
			TaskID:    t.id,
			DeviceID:  t.device.ID,
			Status:    string(res.State),
			Step:      step,
			ErrorKind: string(res.ErrorKind),
			Detail:    res.Detail,
		})
}

// taskSink forwards captured tool output to the task log topic.
func (o *Orchestrator) taskSink(ctx context.Context, t *task) proc.LineSink {
	logCtx := context.WithoutCancel(ctx)
	return func(line string) {
		eventbus.Publish(logCtx, o.Bus, eventbus.Tasks.Log, eventbus.SourceOrchestrator,
			eventbus.TaskLogEvent{
				BatchID:  t.batchID,
				TaskID:   t.id,
				DeviceID: t.device.ID,
				Sequence: t.logSeq.Add(1),
				Line:     line,
			})
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
