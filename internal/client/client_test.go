package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ModularPrintingSystem/KlipperFleet/internal/fleet"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/server"
)

func TestClientRoundTrips(t *testing.T) {
	var gotDevice fleet.Device
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(server.StatusResponse{Version: "v1.0.0", DeviceCount: 2})
	})
	mux.HandleFunc("POST /fleet/device", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotDevice); err != nil {
			t.Errorf("decode device: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("{}"))
	})
	mux.HandleFunc("POST /batch", func(w http.ResponseWriter, r *http.Request) {
		var req server.BatchRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Operation != "flash_all" {
			t.Errorf("operation = %q", req.Operation)
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(server.BatchStartedResponse{BatchID: "b1", Operation: req.Operation})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := New(ts.URL)
	ctx := context.Background()

	status, err := c.Status(ctx)
	if err != nil || status.Version != "v1.0.0" || status.DeviceCount != 2 {
		t.Fatalf("status = %+v, %v", status, err)
	}

	err = c.UpsertDevice(ctx, fleet.Device{ID: "aabbccddeeff", Transport: fleet.TransportCAN, CANInterface: "can0"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if gotDevice.ID != "aabbccddeeff" || gotDevice.CANInterface != "can0" {
		t.Fatalf("server saw %+v", gotDevice)
	}

	started, err := c.StartBatch(ctx, []string{"aabbccddeeff"}, "flash_all")
	if err != nil || started.BatchID != "b1" {
		t.Fatalf("batch = %+v, %v", started, err)
	}
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(server.ErrorResponse{Error: "batch b0 is already running"})
	}))
	defer ts.Close()

	c := New(ts.URL)
	_, err := c.StartBatch(context.Background(), nil, "flash_all")
	if err == nil || err.Error() != "batch b0 is already running" {
		t.Fatalf("err = %v", err)
	}
}

func TestWebsocketURL(t *testing.T) {
	c := New("http://127.0.0.1:8321")
	wsURL, err := c.websocketURL("/batch/ws")
	if err != nil {
		t.Fatal(err)
	}
	if wsURL != "ws://127.0.0.1:8321/batch/ws" {
		t.Fatalf("url = %q", wsURL)
	}
}
