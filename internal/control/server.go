// Package control provides a Unix socket control interface for the relay host.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/comine-app/comine-relay/internal/registry"
	"github.com/comine-app/comine-relay/internal/relay"
)

// Host is the command surface the control socket exposes.
type Host interface {
	// IsRunning returns true if the host is running.
	IsRunning() bool

	Status() relay.Status
	Devices() []registry.PairedDevice
	PendingPairings() []relay.PendingPairing

	StartPairing() (string, error)
	StopPairing()
	AcceptPairing(ctx context.Context, deviceID string) error
	RejectPairing(ctx context.Context, deviceID string) error

	RemoveDevice(deviceID string) error
	EnableRelay() error
	DisableRelay() error
	SetServerURL(serverURL string) error
	ResetHostID() error
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	Running bool `json:"running"`
	relay.Status
}

// DevicesResponse is the response for the devices endpoint.
type DevicesResponse struct {
	Devices []registry.PairedDevice `json:"devices"`
}

// PendingResponse is the response for the pending pairings endpoint.
type PendingResponse struct {
	Pending []relay.PendingPairing `json:"pending"`
}

// PairingResponse carries a freshly issued pairing code.
type PairingResponse struct {
	Code string `json:"code"`
}

// DeviceRequest names a device.
type DeviceRequest struct {
	DeviceID string `json:"device_id"`
}

// ServerURLRequest changes the relay server.
type ServerURLRequest struct {
	ServerURL string `json:"server_url"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes.
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:   "./data/control.sock",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is a Unix socket HTTP server for control commands.
type Server struct {
	cfg      ServerConfig
	host     Host
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new control server.
func NewServer(cfg ServerConfig, host Host) *Server {
	s := &Server{
		cfg:  cfg,
		host: host,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /devices", s.handleDevices)
	mux.HandleFunc("GET /pairing/pending", s.handlePending)
	mux.HandleFunc("POST /pairing/start", s.handlePairingStart)
	mux.HandleFunc("POST /pairing/stop", s.handlePairingStop)
	mux.HandleFunc("POST /pairing/accept", s.handlePairingAccept)
	mux.HandleFunc("POST /pairing/reject", s.handlePairingReject)
	mux.HandleFunc("POST /devices/remove", s.handleDeviceRemove)
	mux.HandleFunc("POST /relay/enable", s.handleRelayEnable)
	mux.HandleFunc("POST /relay/disable", s.handleRelayDisable)
	mux.HandleFunc("POST /relay/server-url", s.handleServerURL)
	mux.HandleFunc("POST /relay/reset-host-id", s.handleResetHostID)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the control server.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0700); err != nil {
		return err
	}

	// Remove existing socket file if it exists
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.cfg.SocketPath, 0600); err != nil {
		ln.Close()
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the control server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Running: s.host.IsRunning(),
		Status:  s.host.Status(),
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.host.Devices()
	if devices == nil {
		devices = []registry.PairedDevice{}
	}
	writeJSON(w, http.StatusOK, DevicesResponse{Devices: devices})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	pending := s.host.PendingPairings()
	if pending == nil {
		pending = []relay.PendingPairing{}
	}
	writeJSON(w, http.StatusOK, PendingResponse{Pending: pending})
}

func (s *Server) handlePairingStart(w http.ResponseWriter, r *http.Request) {
	code, err := s.host.StartPairing()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PairingResponse{Code: code})
}

func (s *Server) handlePairingStop(w http.ResponseWriter, r *http.Request) {
	s.host.StopPairing()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePairingAccept(w http.ResponseWriter, r *http.Request) {
	s.withDevice(w, r, func(id string) error {
		return s.host.AcceptPairing(r.Context(), id)
	})
}

func (s *Server) handlePairingReject(w http.ResponseWriter, r *http.Request) {
	s.withDevice(w, r, func(id string) error {
		return s.host.RejectPairing(r.Context(), id)
	})
}

func (s *Server) handleDeviceRemove(w http.ResponseWriter, r *http.Request) {
	s.withDevice(w, r, s.host.RemoveDevice)
}

func (s *Server) handleRelayEnable(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.host.EnableRelay())
}

func (s *Server) handleRelayDisable(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.host.DisableRelay())
}

func (s *Server) handleServerURL(w http.ResponseWriter, r *http.Request) {
	var req ServerURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	s.respond(w, s.host.SetServerURL(req.ServerURL))
}

func (s *Server) handleResetHostID(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.host.ResetHostID())
}

// withDevice decodes a DeviceRequest and runs fn with its id.
func (s *Server) withDevice(w http.ResponseWriter, r *http.Request, fn func(string) error) {
	var req DeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if req.DeviceID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "device_id is required"})
		return
	}
	s.respond(w, fn(req.DeviceID))
}

// respond writes the current status on success.
func (s *Server) respond(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Running: s.host.IsRunning(),
		Status:  s.host.Status(),
	})
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, relay.ErrNoPendingPairing), errors.Is(err, registry.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrInvalidServerURL):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
