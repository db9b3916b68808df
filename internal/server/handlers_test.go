package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ModularPrintingSystem/KlipperFleet/internal/config"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/eventbus"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/fleet"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/batch"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/detect"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/proc"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/testutil"
)

type fakeDetector struct {
	statuses  []detect.DeviceStatus
	unclaimed []fleet.Observation
	err       error
}

func (f *fakeDetector) Snapshot(ctx context.Context) ([]detect.DeviceStatus, []fleet.Observation, error) {
	return f.statuses, f.unclaimed, f.err
}

type fakeBatchRunner struct {
	mu      sync.Mutex
	started []string
	block   chan struct{}
	summary batch.Summary
}

func (f *fakeBatchRunner) RunBatch(ctx context.Context, batchID string, deviceIDs []string, op batch.Operation) (batch.Summary, error) {
	f.mu.Lock()
	f.started = append(f.started, batchID)
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	summary := f.summary
	summary.BatchID = batchID
	summary.Operation = op
	return summary, nil
}

type fakeProfiles struct {
	mu    sync.Mutex
	names []string
	saved map[string][]byte
}

func (f *fakeProfiles) Profiles() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.names, nil
}

func (f *fakeProfiles) SaveProfile(profile string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saved == nil {
		f.saved = make(map[string][]byte)
	}
	f.saved[profile] = payload
	f.names = append(f.names, profile)
	return nil
}

type fakeRebooter struct {
	mu      sync.Mutex
	devices []string
	err     error
}

func (f *fakeRebooter) ExitOnly(ctx context.Context, dev fleet.Device, sink proc.LineSink) error {
	f.mu.Lock()
	f.devices = append(f.devices, dev.ID)
	f.mu.Unlock()
	if sink != nil {
		sink("Rebooting " + dev.ID)
	}
	return f.err
}

type serverEnv struct {
	server   *Server
	http     *httptest.Server
	bus      *eventbus.Bus
	detector *fakeDetector
	batches  *fakeBatchRunner
	rebooter *fakeRebooter
	profiles *fakeProfiles
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()
	bus := eventbus.New()
	detector := &fakeDetector{}
	batches := &fakeBatchRunner{}
	rebooter := &fakeRebooter{}
	profiles := &fakeProfiles{names: []string{"octopus"}}
	srv := New(Options{
		Settings: config.DefaultSettings(),
		Store:    testutil.OpenStore(t),
		Detector: detector,
		Batches:  batches,
		Profiles: profiles,
		Rebooter: rebooter,
		Bus:      bus,
		Logger:   log.New(io.Discard, "", 0),
	})
	srv.tracker.start(bus)
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(func() {
		ts.Close()
		srv.tracker.stop()
		bus.Shutdown()
	})
	return &serverEnv{server: srv, http: ts, bus: bus, detector: detector, batches: batches, rebooter: rebooter, profiles: profiles}
}

func (e *serverEnv) postJSON(t *testing.T, path string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(e.http.URL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func (e *serverEnv) getJSON(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(e.http.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestStatusEndpoint(t *testing.T) {
	env := newServerEnv(t)
	var status StatusResponse
	if code := env.getJSON(t, "/api/status", &status); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if status.Version == "" {
		t.Fatal("version missing")
	}
	if status.ActiveBatch != "" {
		t.Fatalf("unexpected active batch %q", status.ActiveBatch)
	}
}

func TestUpsertDeviceValidation(t *testing.T) {
	env := newServerEnv(t)

	resp := env.postJSON(t, "/fleet/device", fleet.Device{Transport: fleet.TransportCAN})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing id: code = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.postJSON(t, "/fleet/device", fleet.Device{ID: "x", Transport: "zigbee"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad transport: code = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.postJSON(t, "/fleet/device", fleet.Device{ID: "aabbccddeeff", Transport: fleet.TransportCAN})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing can_interface: code = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.postJSON(t, "/fleet/device", fleet.Device{
		ID: "aabbccddeeff", Name: "toolhead", Transport: fleet.TransportCAN, CANInterface: "can0",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid device: code = %d", resp.StatusCode)
	}
	resp.Body.Close()

	var view []FleetDevice
	if code := env.getJSON(t, "/fleet", &view); code != http.StatusOK {
		t.Fatalf("fleet code = %d", code)
	}
	if len(view) != 1 || view[0].ID != "aabbccddeeff" {
		t.Fatalf("fleet = %+v", view)
	}
}

func TestFleetOverlaysRunningTask(t *testing.T) {
	env := newServerEnv(t)
	resp := env.postJSON(t, "/fleet/device", fleet.Device{
		ID: "aabbccddeeff", Transport: fleet.TransportCAN, CANInterface: "can0",
	})
	resp.Body.Close()

	eventbus.Publish(context.Background(), env.bus, eventbus.Tasks.Status, eventbus.SourceOrchestrator,
		eventbus.TaskStatusEvent{
			DeviceID: "aabbccddeeff",
			Status:   string(batch.TaskRunning),
			Step:     "flashing",
		})

	deadline := time.Now().Add(2 * time.Second)
	for {
		var view []FleetDevice
		env.getJSON(t, "/fleet", &view)
		if len(view) == 1 && strings.HasPrefix(view[0].Status, "flashing") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("overlay never appeared, view = %+v", view)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A failed terminal status must surface on the fleet view even though
	// the registry still holds the stale last-known mode.
	eventbus.Publish(context.Background(), env.bus, eventbus.Tasks.Status, eventbus.SourceOrchestrator,
		eventbus.TaskStatusEvent{
			DeviceID:  "aabbccddeeff",
			Status:    string(batch.TaskFailed),
			ErrorKind: "flash_failed",
			Detail:    "flashtool exited 1",
		})
	deadline = time.Now().Add(2 * time.Second)
	for {
		var view []FleetDevice
		env.getJSON(t, "/fleet", &view)
		if len(view) == 1 && strings.Contains(view[0].LastError, "flashtool exited 1") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("failure never surfaced, view = %+v", view)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAttachLinksIdentity(t *testing.T) {
	env := newServerEnv(t)

	resp := env.postJSON(t, "/fleet/attach", AttachRequest{
		DeviceID: "ghost", Transport: "serial", TransientID: "/dev/ttyACM0",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown device: code = %d", resp.StatusCode)
	}
	resp.Body.Close()

	env.postJSON(t, "/fleet/device", fleet.Device{
		ID: "usb-katapult_stm32-if00", Transport: fleet.TransportSerial,
	}).Body.Close()

	resp = env.postJSON(t, "/fleet/attach", AttachRequest{
		DeviceID: "usb-katapult_stm32-if00", Transport: "serial", TransientID: "/dev/ttyACM0",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("attach: code = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resolved, err := env.server.store.ResolveTransientID(context.Background(), fleet.TransportSerial, "/dev/ttyACM0")
	if err != nil || resolved != "usb-katapult_stm32-if00" {
		t.Fatalf("resolved = %q, %v", resolved, err)
	}
}

func TestScanReportsUnclaimedObservations(t *testing.T) {
	env := newServerEnv(t)
	env.detector.statuses = []detect.DeviceStatus{
		{Device: fleet.Device{ID: "aabbccddeeff"}, Mode: fleet.ModeFirmware, Address: "aabbccddeeff", Interface: "can0"},
	}
	env.detector.unclaimed = []fleet.Observation{
		{Transport: fleet.TransportDFU, TransientID: "357236543131", Mode: fleet.ModeBootloader},
	}

	resp, err := http.Post(env.http.URL+"/scan", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	scan := decodeBody[ScanResponse](t, resp)
	if len(scan.Devices) != 1 || scan.Devices[0].Mode != fleet.ModeFirmware {
		t.Fatalf("scan devices = %+v", scan.Devices)
	}
	if len(scan.Unclaimed) != 1 || scan.Unclaimed[0].TransientID != "357236543131" {
		t.Fatalf("scan unclaimed = %+v", scan.Unclaimed)
	}
}

func TestBatchEndpointRejectsConcurrentBatches(t *testing.T) {
	env := newServerEnv(t)
	env.batches.block = make(chan struct{})

	resp := env.postJSON(t, "/batch", BatchRequest{Operation: "not_a_thing"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad op: code = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.postJSON(t, "/batch", BatchRequest{Operation: string(batch.OpFlashAll)})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start: code = %d", resp.StatusCode)
	}
	started := decodeBody[BatchStartedResponse](t, resp)
	if started.BatchID == "" {
		t.Fatal("no batch id returned")
	}

	resp = env.postJSON(t, "/batch", BatchRequest{Operation: string(batch.OpFlashAll)})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second batch: code = %d", resp.StatusCode)
	}
	resp.Body.Close()

	close(env.batches.block)
	deadline := time.Now().Add(2 * time.Second)
	for {
		var status StatusResponse
		env.getJSON(t, "/api/status", &status)
		if status.ActiveBatch == "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("batch never cleared")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStatusReportsLastBatchSummary(t *testing.T) {
	env := newServerEnv(t)
	env.batches.summary = batch.Summary{Succeeded: 2, Failed: 1}

	resp := env.postJSON(t, "/batch", BatchRequest{Operation: string(batch.OpFlashAll)})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start: code = %d", resp.StatusCode)
	}
	started := decodeBody[BatchStartedResponse](t, resp)

	deadline := time.Now().Add(2 * time.Second)
	var status StatusResponse
	for {
		env.getJSON(t, "/api/status", &status)
		if status.ActiveBatch == "" && status.LastBatch != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("last batch never reported, status = %+v", status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if status.LastBatch.BatchID != started.BatchID {
		t.Fatalf("last batch id = %s, want %s", status.LastBatch.BatchID, started.BatchID)
	}
	if status.LastBatch.Succeeded != 2 || status.LastBatch.Failed != 1 {
		t.Fatalf("last batch counts = %+v", status.LastBatch)
	}
}

func TestRebootRunsExitOnly(t *testing.T) {
	env := newServerEnv(t)

	resp := env.postJSON(t, "/fleet/reboot", RebootRequest{DeviceID: "ghost"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown device: code = %d", resp.StatusCode)
	}
	resp.Body.Close()

	env.postJSON(t, "/fleet/device", fleet.Device{
		ID: "aabbccddeeff", Transport: fleet.TransportCAN, CANInterface: "can0",
	}).Body.Close()

	resp = env.postJSON(t, "/fleet/reboot", RebootRequest{DeviceID: "aabbccddeeff"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reboot: code = %d", resp.StatusCode)
	}
	reboot := decodeBody[RebootResponse](t, resp)
	if len(reboot.Log) == 0 || !strings.Contains(reboot.Log[0], "aabbccddeeff") {
		t.Fatalf("log = %v", reboot.Log)
	}
	if len(env.rebooter.devices) != 1 || env.rebooter.devices[0] != "aabbccddeeff" {
		t.Fatalf("rebooted = %v", env.rebooter.devices)
	}
}

func TestArtifactDownload(t *testing.T) {
	env := newServerEnv(t)

	if code := env.getJSON(t, "/artifacts/ghost", nil); code != http.StatusNotFound {
		t.Fatalf("missing artifact: code = %d", code)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "octopus.bin")
	if err := os.WriteFile(path, []byte("firmware image"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := env.server.store.SaveArtifact(context.Background(), fleet.Artifact{
		Profile: "octopus", Kind: "bin", Path: path, BuiltAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(env.http.URL + "/artifacts/octopus")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download: code = %d", resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	if string(data) != "firmware image" {
		t.Fatalf("body = %q", data)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "octopus.bin") {
		t.Fatalf("content disposition = %q", cd)
	}
}

func TestBatchWebSocketStreamsTaskEvents(t *testing.T) {
	env := newServerEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/batch/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The subscription is registered during the upgrade; give the stream
	// goroutines a beat before publishing.
	time.Sleep(50 * time.Millisecond)
	eventbus.Publish(context.Background(), env.bus, eventbus.Tasks.Log, eventbus.SourceOrchestrator,
		eventbus.TaskLogEvent{BatchID: "b1", TaskID: "t1", DeviceID: "aabbccddeeff", Sequence: 1, Line: "Flashing..."})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != string(eventbus.TopicTaskLog) {
		t.Fatalf("type = %q", msg.Type)
	}
	payload, ok := msg.Data.(map[string]any)
	if !ok || payload["Line"] != "Flashing..." {
		t.Fatalf("payload = %#v", msg.Data)
	}
}

func TestProfileUpload(t *testing.T) {
	env := newServerEnv(t)

	req, err := http.NewRequest(http.MethodPut, env.http.URL+"/profiles/ebb36",
		strings.NewReader("CONFIG_MACH_STM32=y\n"))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT /profiles/ebb36: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	env.profiles.mu.Lock()
	saved := string(env.profiles.saved["ebb36"])
	env.profiles.mu.Unlock()
	if saved != "CONFIG_MACH_STM32=y\n" {
		t.Fatalf("saved payload = %q", saved)
	}

	// Empty payloads are rejected.
	req, _ = http.NewRequest(http.MethodPut, env.http.URL+"/profiles/empty", strings.NewReader(""))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty payload status = %d, want 400", resp.StatusCode)
	}
}
