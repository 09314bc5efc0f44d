package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/comine-app/comine-relay/internal/registry"
	"github.com/comine-app/comine-relay/internal/relay"
)

// StatusError is returned when the daemon answers with a non-2xx status.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status: %d", e.Code)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.Code)
}

// Client is a control socket client.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// NewClient creates a new control client.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}

	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   10 * time.Second,
		},
	}
}

// Status retrieves the relay status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Devices retrieves the paired devices.
func (c *Client) Devices(ctx context.Context) ([]registry.PairedDevice, error) {
	var resp DevicesResponse
	if err := c.do(ctx, http.MethodGet, "/devices", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

// PendingPairings retrieves the requests awaiting a decision.
func (c *Client) PendingPairings(ctx context.Context) ([]relay.PendingPairing, error) {
	var resp PendingResponse
	if err := c.do(ctx, http.MethodGet, "/pairing/pending", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Pending, nil
}

// StartPairing issues a new pairing code.
func (c *Client) StartPairing(ctx context.Context) (string, error) {
	var resp PairingResponse
	if err := c.do(ctx, http.MethodPost, "/pairing/start", nil, &resp); err != nil {
		return "", err
	}
	return resp.Code, nil
}

// StopPairing clears the pairing code and pending requests.
func (c *Client) StopPairing(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/pairing/stop", nil, nil)
}

// AcceptPairing accepts a pending device.
func (c *Client) AcceptPairing(ctx context.Context, deviceID string) (*StatusResponse, error) {
	return c.post(ctx, "/pairing/accept", DeviceRequest{DeviceID: deviceID})
}

// RejectPairing rejects a pending device.
func (c *Client) RejectPairing(ctx context.Context, deviceID string) (*StatusResponse, error) {
	return c.post(ctx, "/pairing/reject", DeviceRequest{DeviceID: deviceID})
}

// RemoveDevice unpairs a device.
func (c *Client) RemoveDevice(ctx context.Context, deviceID string) (*StatusResponse, error) {
	return c.post(ctx, "/devices/remove", DeviceRequest{DeviceID: deviceID})
}

// EnableRelay turns the relay connection on.
func (c *Client) EnableRelay(ctx context.Context) (*StatusResponse, error) {
	return c.post(ctx, "/relay/enable", nil)
}

// DisableRelay turns the relay connection off.
func (c *Client) DisableRelay(ctx context.Context) (*StatusResponse, error) {
	return c.post(ctx, "/relay/disable", nil)
}

// SetServerURL changes the relay server.
func (c *Client) SetServerURL(ctx context.Context, serverURL string) (*StatusResponse, error) {
	return c.post(ctx, "/relay/server-url", ServerURLRequest{ServerURL: serverURL})
}

// ResetHostID assigns a fresh host id.
func (c *Client) ResetHostID(ctx context.Context) (*StatusResponse, error) {
	return c.post(ctx, "/relay/reset-host-id", nil)
}

func (c *Client) post(ctx context.Context, path string, body interface{}) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.do(ctx, http.MethodPost, path, body, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// do performs a request against the control socket and decodes the
// response into out when it is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else if method == http.MethodPost {
		reader = bytes.NewReader([]byte("{}"))
	}

	// Use a dummy host since we're connecting via Unix socket
	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, reader)
	if err != nil {
		return err
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e ErrorResponse
		json.NewDecoder(resp.Body).Decode(&e)
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Close closes the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
