// Package host wires the relay components into a running daemon.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/comine-app/comine-relay/internal/config"
	"github.com/comine-app/comine-relay/internal/control"
	"github.com/comine-app/comine-relay/internal/events"
	"github.com/comine-app/comine-relay/internal/health"
	"github.com/comine-app/comine-relay/internal/logging"
	"github.com/comine-app/comine-relay/internal/metrics"
	"github.com/comine-app/comine-relay/internal/recovery"
	"github.com/comine-app/comine-relay/internal/registry"
	"github.com/comine-app/comine-relay/internal/relay"
	"github.com/comine-app/comine-relay/internal/transport"
)

// eventBuffer is the capacity of the host's own event subscription.
const eventBuffer = 64

// Option customises a Host.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	dialer   transport.Dialer
	registry *prometheus.Registry
}

// WithLogger replaces the logger built from the configuration.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithRegistry registers metrics on reg instead of the default registry
// and serves them from the health server.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// Host is the relay daemon.
type Host struct {
	cfg    *config.Config
	logger *slog.Logger

	bus     *events.Bus
	metrics *metrics.Metrics
	state   *relay.State
	pairing *relay.Pairing
	manager *relay.Manager

	controlServer *control.Server
	healthServer  *health.Server

	eventsCh chan events.Event

	running  atomic.Bool
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a host from cfg. The relay configuration and device
// registry are loaded from the data directory.
func New(cfg *config.Config, opts ...Option) (*Host, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = logging.NewLogger(cfg.Host.LogLevel, cfg.Host.LogFormat)
	}

	var m *metrics.Metrics
	var gatherer prometheus.Gatherer
	if o.registry != nil {
		m = metrics.NewMetricsWithRegistry(o.registry)
		gatherer = o.registry
	} else {
		m = metrics.Default()
	}

	h := &Host{
		cfg:      cfg,
		logger:   logger,
		bus:      events.NewBus(),
		metrics:  m,
		eventsCh: make(chan events.Event, eventBuffer),
	}

	state, err := relay.NewState(relay.StateOptions{
		DataDir: cfg.Host.DataDir,
		Logger:  logger,
		Events:  h.bus,
		Metrics: m,
	})
	if err != nil {
		return nil, err
	}
	h.state = state

	dialer := o.dialer
	if dialer == nil {
		dialOpts := transport.DefaultDialOptions()
		dialOpts.Timeout = cfg.Relay.DialTimeout
		dialOpts.ProxyURL = cfg.Relay.ProxyURL
		ws, err := transport.NewWebSocketDialer(dialOpts)
		if err != nil {
			return nil, fmt.Errorf("create dialer: %w", err)
		}
		dialer = ws
	}

	h.pairing = relay.NewPairing(state, relay.PairingOptions{
		Rate:   cfg.Relay.PairingRate,
		Burst:  cfg.Relay.PairingBurst,
		Logger: logger,
	})

	h.manager = relay.NewManager(state, relay.ManagerConfig{
		Dialer:       dialer,
		Pairing:      h.pairing,
		Dispatcher:   relay.NewDispatcher(state),
		PollInterval: cfg.Relay.PollInterval,
		QueueSize:    cfg.Relay.QueueSize,
		WriteTimeout: cfg.Relay.WriteTimeout,
		Reconnect: relay.ReconnectConfig{
			InitialDelay: cfg.Relay.Reconnect.InitialDelay,
			MaxDelay:     cfg.Relay.Reconnect.MaxDelay,
			Multiplier:   cfg.Relay.Reconnect.Multiplier,
		},
		Logger: logger,
	})

	if cfg.Control.Enabled {
		ccfg := control.DefaultServerConfig()
		ccfg.SocketPath = cfg.Control.SocketPath
		h.controlServer = control.NewServer(ccfg, h)
	}

	if cfg.Health.Enabled {
		hcfg := health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
			Gatherer:     gatherer,
		}
		h.healthServer = health.NewServer(hcfg, h)
	}

	return h, nil
}

// Start starts the servers, the event logger and, if enabled, the relay
// connection loop.
func (h *Host) Start() error {
	if h.running.Load() {
		return fmt.Errorf("host already running")
	}

	cfg := h.state.Config()
	h.logger.Info("starting host",
		logging.KeyHostID, logging.Short(cfg.HostID),
		logging.KeyComponent, "host")

	if h.controlServer != nil {
		if err := h.controlServer.Start(); err != nil {
			h.logger.Error("failed to start control server",
				"socket", h.cfg.Control.SocketPath,
				logging.KeyError, err)
			return fmt.Errorf("start control server: %w", err)
		}
		h.logger.Info("control server started", "socket", h.controlServer.SocketPath())
	}

	if h.healthServer != nil {
		if err := h.healthServer.Start(); err != nil {
			h.logger.Error("failed to start HTTP server",
				logging.KeyAddress, h.cfg.Health.Address,
				logging.KeyError, err)
			if h.controlServer != nil {
				h.controlServer.Stop()
			}
			return fmt.Errorf("start HTTP server: %w", err)
		}
		h.logger.Info("HTTP server started", logging.KeyAddress, h.healthServer.Address())
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.running.Store(true)

	h.bus.Subscribe(h.eventsCh)
	h.wg.Add(1)
	recovery.Go(h.logger, "host.eventLoop", func() {
		defer h.wg.Done()
		h.eventLoop(ctx)
	})

	h.manager.Start(ctx)

	h.logger.Info("host started",
		"relay_enabled", cfg.Enabled,
		logging.KeyServerURL, cfg.ServerURL,
		logging.KeyCount, h.state.Registry().Len())

	return nil
}

// Stop shuts the host down and waits for its goroutines.
func (h *Host) Stop() error {
	h.stopOnce.Do(func() {
		h.logger.Info("stopping host")

		h.running.Store(false)
		if h.cancel != nil {
			h.cancel()
		}

		if h.healthServer != nil {
			h.healthServer.Stop()
		}
		if h.controlServer != nil {
			h.controlServer.Stop()
		}

		h.manager.Wait()
		h.bus.Unsubscribe(h.eventsCh)
		h.wg.Wait()

		h.logger.Info("host stopped")
	})
	return nil
}

// StopWithContext stops with a timeout.
func (h *Host) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- h.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// eventLoop logs relay events. Download requests reach the download
// engine through its own subscription to Events.
func (h *Host) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.eventsCh:
			switch e := ev.(type) {
			case events.DownloadRequest:
				h.logger.Info("download requested",
					logging.KeyCmdID, e.ID,
					logging.KeyURL, e.URL,
					logging.KeyDeviceID, e.DeviceID,
					"open_app", e.OpenApp)
			case events.CancelRequest:
				h.logger.Info("cancel requested",
					logging.KeyCmdID, e.ID,
					logging.KeyURL, e.URL,
					logging.KeyDeviceID, e.DeviceID)
			case events.PendingPairing:
				h.logger.Info("pairing request waiting for approval",
					logging.KeyDeviceID, e.DeviceID,
					"device_name", e.DeviceName,
					"browser", e.Browser)
			case events.Status:
				h.logger.Debug("relay status",
					"enabled", e.Enabled,
					"connected", e.Connected,
					logging.KeyCount, e.DeviceCount)
			}
		}
	}
}

// Events returns the bus relay notifications are published on.
func (h *Host) Events() *events.Bus {
	return h.bus
}

// IsRunning returns true if the host is running.
func (h *Host) IsRunning() bool {
	return h.running.Load()
}

// Stats returns health statistics.
func (h *Host) Stats() health.Stats {
	st := h.state.Status()
	return health.Stats{
		RelayEnabled:    st.Enabled,
		RelayConnected:  st.Connected,
		ConnectionState: h.manager.ConnectionState().String(),
		DeviceCount:     st.DeviceCount,
		PendingPairings: len(h.state.PendingPairings()),
	}
}

// Status returns the relay status.
func (h *Host) Status() relay.Status {
	return h.state.Status()
}

// Devices returns the paired devices.
func (h *Host) Devices() []registry.PairedDevice {
	return h.state.Devices()
}

// PendingPairings returns the requests awaiting a decision.
func (h *Host) PendingPairings() []relay.PendingPairing {
	return h.state.PendingPairings()
}

// StartPairing issues a new pairing code.
func (h *Host) StartPairing() (string, error) {
	return h.pairing.StartPairing()
}

// StopPairing ends the pairing session.
func (h *Host) StopPairing() {
	h.pairing.StopPairing()
}

// AcceptPairing pairs a pending device.
func (h *Host) AcceptPairing(ctx context.Context, deviceID string) error {
	return h.pairing.Accept(ctx, deviceID)
}

// RejectPairing declines a pending device.
func (h *Host) RejectPairing(ctx context.Context, deviceID string) error {
	return h.pairing.Reject(ctx, deviceID)
}

// RemoveDevice unpairs a device.
func (h *Host) RemoveDevice(deviceID string) error {
	return h.state.RemoveDevice(deviceID)
}

// EnableRelay turns the relay on and starts connecting.
func (h *Host) EnableRelay() error {
	return h.manager.Enable()
}

// DisableRelay turns the relay off.
func (h *Host) DisableRelay() error {
	return h.manager.Disable()
}

// SetServerURL changes the relay server.
func (h *Host) SetServerURL(serverURL string) error {
	return h.state.SetServerURL(serverURL)
}

// ResetHostID assigns a fresh host id.
func (h *Host) ResetHostID() error {
	return h.state.ResetHostID()
}

var (
	_ control.Host         = (*Host)(nil)
	_ health.StatsProvider = (*Host)(nil)
)
