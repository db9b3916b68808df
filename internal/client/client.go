// Package client wraps the daemon's HTTP and WebSocket API for the CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ModularPrintingSystem/KlipperFleet/internal/fleet"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/server"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxErrorBody       = 8 << 10
)

// Client talks to a running kfleetd instance.
type Client struct {
	http    *http.Client
	baseURL string
}

// New builds a client for the daemon at baseURL (e.g. http://127.0.0.1:8321).
func New(baseURL string) *Client {
	return &Client{
		http:    &http.Client{Timeout: defaultHTTPTimeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// BaseURL returns the configured daemon address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Status fetches the daemon status.
func (c *Client) Status(ctx context.Context) (server.StatusResponse, error) {
	var status server.StatusResponse
	err := c.getJSON(ctx, "/api/status", &status)
	return status, err
}

// Fleet fetches the fleet status view.
func (c *Client) Fleet(ctx context.Context) ([]server.FleetDevice, error) {
	var view []server.FleetDevice
	err := c.getJSON(ctx, "/fleet", &view)
	return view, err
}

// UpsertDevice registers or updates a device.
func (c *Client) UpsertDevice(ctx context.Context, dev fleet.Device) error {
	return c.postJSON(ctx, "/fleet/device", dev, nil)
}

// RemoveDevice deletes a device from the registry.
func (c *Client) RemoveDevice(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/fleet/device/"+url.PathEscape(id), http.NoBody)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}
	return nil
}

// Attach links an observed transient identity to a registered device.
func (c *Client) Attach(ctx context.Context, deviceID, transport, transientID string) error {
	return c.postJSON(ctx, "/fleet/attach", server.AttachRequest{
		DeviceID:    deviceID,
		Transport:   transport,
		TransientID: transientID,
	}, nil)
}

// Reboot asks the daemon to return a device from bootloader to firmware.
func (c *Client) Reboot(ctx context.Context, deviceID string) (server.RebootResponse, error) {
	var reboot server.RebootResponse
	err := c.postJSON(ctx, "/fleet/reboot", server.RebootRequest{DeviceID: deviceID}, &reboot)
	return reboot, err
}

// Scan triggers discovery across every transport.
func (c *Client) Scan(ctx context.Context) (server.ScanResponse, error) {
	var scan server.ScanResponse
	err := c.postJSON(ctx, "/scan", nil, &scan)
	return scan, err
}

// Profiles lists the buildable profile names.
func (c *Client) Profiles(ctx context.Context) ([]string, error) {
	var names []string
	err := c.getJSON(ctx, "/profiles", &names)
	return names, err
}

// UploadProfile stores an opaque configuration payload under a profile
// name on the daemon.
func (c *Client) UploadProfile(ctx context.Context, profile string, payload []byte) error {
	endpoint := c.baseURL + "/profiles/" + url.PathEscape(profile)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	return c.do(req, nil)
}

// StartBatch kicks off a batch operation. Progress streams over
// StreamBatch.
func (c *Client) StartBatch(ctx context.Context, deviceIDs []string, operation string) (server.BatchStartedResponse, error) {
	var started server.BatchStartedResponse
	err := c.postJSON(ctx, "/batch", server.BatchRequest{
		DeviceIDs: deviceIDs,
		Operation: operation,
	}, &started)
	return started, err
}

// DownloadArtifact streams a built firmware image to w.
func (c *Client) DownloadArtifact(ctx context.Context, profile, kind string, w io.Writer) error {
	endpoint := c.baseURL + "/artifacts/" + url.PathEscape(profile)
	if kind != "" {
		endpoint += "?kind=" + url.QueryEscape(kind)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// StreamBatch connects to the batch event feed and calls handle for every
// message until ctx is cancelled, the stream ends, or handle returns an
// error.
func (c *Client) StreamBatch(ctx context.Context, handle func(server.Message) error) error {
	return c.stream(ctx, "/batch/ws", handle)
}

// StreamEvents connects to the dashboard event feed.
func (c *Client) StreamEvents(ctx context.Context, handle func(server.Message) error) error {
	return c.stream(ctx, "/ws", handle)
}

func (c *Client) stream(ctx context.Context, path string, handle func(server.Message) error) error {
	wsURL, err := c.websocketURL(path)
	if err != nil {
		return err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return fmt.Errorf("client: connect %s: %w", path, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var msg server.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return nil
			}
			return err
		}
		if err := handle(msg); err != nil {
			return err
		}
	}
}

func (c *Client) websocketURL(path string) (string, error) {
	parsed, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("client: bad base url %q: %w", c.baseURL, err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + path
	return parsed.String(), nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	var body io.Reader = http.NoBody
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "{") {
		var payload server.ErrorResponse
		if err := json.Unmarshal([]byte(trimmed), &payload); err == nil && payload.Error != "" {
			return errors.New(payload.Error)
		}
	}
	if trimmed == "" {
		return errors.New(resp.Status)
	}
	return fmt.Errorf("%s: %s", resp.Status, trimmed)
}
