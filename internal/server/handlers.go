package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ModularPrintingSystem/KlipperFleet/internal/fleet"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/fleet/store"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/batch"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/version"
)

// maxProfileSize caps uploaded profile payloads. Kconfig outputs are a few
// hundred KB at most.
const maxProfileSize = 1 << 20

// StatusResponse is the GET /api/status payload.
type StatusResponse struct {
	Version     string         `json:"version"`
	UptimeSec   int64          `json:"uptime_sec"`
	DeviceCount int            `json:"device_count"`
	ActiveBatch string         `json:"active_batch,omitempty"`
	ActiveOp    string         `json:"active_operation,omitempty"`
	LastBatch   *batch.Summary `json:"last_batch,omitempty"`
}

// FleetDevice is one row of the fleet status view: the registry record
// plus the live display status. An in-flight task overrides the stored
// mode; a failed last task is surfaced even when the stored mode looks
// healthy.
type FleetDevice struct {
	fleet.Device
	Status    string `json:"status"`
	LastError string `json:"last_error,omitempty"`
}

// AttachRequest links an observed transient identity to a registered
// device.
type AttachRequest struct {
	DeviceID    string `json:"device_id"`
	Transport   string `json:"transport"`
	TransientID string `json:"transient_id"`
}

// ScanResponse is the POST /scan payload.
type ScanResponse struct {
	Devices   []StatusEntry       `json:"devices"`
	Unclaimed []fleet.Observation `json:"unclaimed"`
}

// StatusEntry is one claimed device row in a scan snapshot.
type StatusEntry struct {
	DeviceID  string     `json:"device_id"`
	Mode      fleet.Mode `json:"mode"`
	Address   string     `json:"address,omitempty"`
	Interface string     `json:"interface,omitempty"`
}

// BatchRequest starts a batch operation.
type BatchRequest struct {
	DeviceIDs []string `json:"device_ids"`
	Operation string   `json:"operation"`
}

// BatchStartedResponse acknowledges an accepted batch. Progress streams
// over /batch/ws.
type BatchStartedResponse struct {
	BatchID   string `json:"batch_id"`
	Operation string `json:"operation"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.mu.Lock()
	active, op, last := s.activeBatch, s.activeOp, s.lastSummary
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, StatusResponse{
		Version:     version.Format(version.String()),
		UptimeSec:   int64(time.Since(s.startTime).Seconds()),
		DeviceCount: len(devices),
		ActiveBatch: active,
		ActiveOp:    string(op),
		LastBatch:   last,
	})
}

func (s *Server) handleFleet(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	view := make([]FleetDevice, 0, len(devices))
	for _, dev := range devices {
		entry := FleetDevice{Device: dev, Status: string(dev.LastMode)}
		if running, ok := s.tracker.running(dev.ID); ok {
			entry.Status = "flashing"
			if running.Step != "" {
				entry.Status = "flashing: " + running.Step
			}
		} else if last, ok := s.tracker.lastOutcome(dev.ID); ok && last.Status == string(batch.TaskFailed) {
			entry.LastError = last.Detail
			if last.ErrorKind != "" {
				entry.LastError = last.ErrorKind + ": " + last.Detail
			}
		}
		view = append(view, entry)
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleUpsertDevice(w http.ResponseWriter, r *http.Request) {
	var dev fleet.Device
	if err := json.NewDecoder(r.Body).Decode(&dev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid device payload: "+err.Error())
		return
	}
	if strings.TrimSpace(dev.ID) == "" {
		writeError(w, http.StatusBadRequest, "device id is required")
		return
	}
	if _, err := fleet.ParseTransport(string(dev.Transport)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if dev.Transport == fleet.TransportCAN && dev.CANInterface == "" {
		writeError(w, http.StatusBadRequest, "can devices need a can_interface")
		return
	}
	if err := s.store.UpsertDevice(r.Context(), dev); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.RemoveDevice(r.Context(), id); err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"removed": id})
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	var req AttachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid attach payload: "+err.Error())
		return
	}
	transport, err := fleet.ParseTransport(req.Transport)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DeviceID == "" || req.TransientID == "" {
		writeError(w, http.StatusBadRequest, "device_id and transient_id are required")
		return
	}
	if _, err := s.store.GetDevice(r.Context(), req.DeviceID); err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.LinkBootloaderIdentity(r.Context(), req.DeviceID, transport, req.TransientID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"device_id":    req.DeviceID,
		"transient_id": req.TransientID,
	})
}

// RebootRequest asks for a bootloader exit on one device.
type RebootRequest struct {
	DeviceID string `json:"device_id"`
}

// RebootResponse carries the tool output captured during the exit.
type RebootResponse struct {
	DeviceID string   `json:"device_id"`
	Log      []string `json:"log,omitempty"`
}

func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request) {
	var req RebootRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid reboot payload: "+err.Error())
		return
	}
	dev, err := s.store.GetDevice(r.Context(), req.DeviceID)
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var (
		mu  sync.Mutex
		out []string
	)
	sink := func(line string) {
		mu.Lock()
		out = append(out, line)
		mu.Unlock()
	}
	if err := s.rebooter.ExitOnly(r.Context(), dev, sink); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, RebootResponse{DeviceID: dev.ID, Log: out})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	statuses, unclaimed, err := s.detector.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	resp := ScanResponse{Unclaimed: unclaimed}
	if resp.Unclaimed == nil {
		resp.Unclaimed = []fleet.Observation{}
	}
	for _, status := range statuses {
		resp.Devices = append(resp.Devices, StatusEntry{
			DeviceID:  status.Device.ID,
			Mode:      status.Mode,
			Address:   status.Address,
			Interface: status.Interface,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	names, err := s.profiles.Profiles()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

// handleSaveProfile stores an opaque configuration payload under a profile
// name. The daemon never inspects or edits the payload.
func (s *Server) handleSaveProfile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxProfileSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read profile payload: "+err.Error())
		return
	}
	if len(payload) == 0 {
		writeError(w, http.StatusBadRequest, "profile payload is empty")
		return
	}
	if len(payload) > maxProfileSize {
		writeError(w, http.StatusRequestEntityTooLarge, "profile payload too large")
		return
	}

	if err := s.profiles.SaveProfile(name, payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"profile": name})
}

func (s *Server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch payload: "+err.Error())
		return
	}
	op, err := batch.ParseOperation(req.Operation)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	if s.activeBatch != "" {
		active := s.activeBatch
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "batch "+active+" is already running")
		return
	}
	batchID := batch.NewID()
	ctx, cancel := context.WithCancel(context.Background())
	s.activeBatch = batchID
	s.activeOp = op
	s.batchCancel = cancel
	s.mu.Unlock()

	go func() {
		defer cancel()
		summary, err := s.batches.RunBatch(ctx, batchID, req.DeviceIDs, op)
		if err != nil {
			s.logger.Printf("batch %s: %v", batchID, err)
		}
		s.mu.Lock()
		s.activeBatch = ""
		s.activeOp = ""
		s.batchCancel = nil
		s.lastSummary = &summary
		s.mu.Unlock()
	}()

	writeJSON(w, http.StatusAccepted, BatchStartedResponse{
		BatchID:   batchID,
		Operation: string(op),
	})
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	profile := r.PathValue("profile")
	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = "bin"
	}
	artifact, err := s.store.GetArtifact(r.Context(), profile, kind)
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", filepath.Base(artifact.Path)))
	http.ServeFile(w, r, artifact.Path)
}

func isNotFound(err error) bool {
	return store.IsNotFound(err)
}
