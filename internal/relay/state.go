package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/comine-app/comine-relay/internal/events"
	"github.com/comine-app/comine-relay/internal/identity"
	"github.com/comine-app/comine-relay/internal/logging"
	"github.com/comine-app/comine-relay/internal/metrics"
	"github.com/comine-app/comine-relay/internal/protocol"
	"github.com/comine-app/comine-relay/internal/registry"
	"github.com/comine-app/comine-relay/internal/transport"
)

var (
	// ErrNoPendingPairing is returned when accepting a device that has no pending request.
	ErrNoPendingPairing = errors.New("no pending pairing")

	// ErrInvalidServerURL is returned for relay URLs that are not ws:// or wss://.
	ErrInvalidServerURL = errors.New("relay server url must start with ws:// or wss://")

	// ErrNotConnected is returned when a message cannot be queued because no
	// connection is active.
	ErrNotConnected = errors.New("not connected to relay")

	// ErrQueueFull is returned when the outbound queue has no room.
	ErrQueueFull = errors.New("outbound queue full")

	// ErrEngineBusy is reported to a device when its command could not be
	// handed to the download engine.
	ErrEngineBusy = errors.New("download engine busy")
)

// Status is the externally visible relay state.
type Status = events.Status

// PendingPairing is a pairing request awaiting a user decision.
type PendingPairing = events.PendingPairing

// StateOptions configures a State.
type StateOptions struct {
	DataDir string
	Logger  *slog.Logger
	Events  events.Sink
	Metrics *metrics.Metrics
}

// State holds everything shared between the relay components and the
// command surface. All methods are safe for concurrent use.
type State struct {
	configPath string
	logger     *slog.Logger
	events     events.Sink
	metrics    *metrics.Metrics

	// saveMu serialises config mutations with their write-back.
	saveMu sync.Mutex
	mu     sync.RWMutex
	config Config

	registry *registry.Registry

	pairMu      sync.Mutex
	pairingCode string
	pending     map[string]PendingPairing

	outMu     sync.RWMutex
	outbox    *outbox
	connected atomic.Bool
}

// NewState loads the relay configuration and device registry from the data
// directory. A repaired configuration that cannot be written back is logged
// and used as is.
func NewState(opts StateOptions) (*State, error) {
	s := newState(opts)

	cfg, healed, err := LoadConfig(s.configPath)
	if err != nil && !healed {
		return nil, fmt.Errorf("load relay config: %w", err)
	}
	if err != nil {
		s.logger.Warn("relay config repaired but not saved", logging.KeyError, err)
	} else if healed {
		s.logger.Info("relay config initialised", "path", s.configPath)
	}
	s.config = cfg

	if err := s.registry.Load(); err != nil {
		return nil, fmt.Errorf("load devices: %w", err)
	}
	s.metrics.SetPairedDevices(s.registry.Len())

	s.logger.Info("relay state loaded",
		"enabled", cfg.Enabled,
		logging.KeyServerURL, cfg.ServerURL,
		logging.KeyHostID, logging.Short(cfg.HostID),
		logging.KeyCount, s.registry.Len())

	return s, nil
}

func newState(opts StateOptions) *State {
	logger := logging.OrNop(opts.Logger).With(logging.KeyComponent, "relay")
	sink := opts.Events
	if sink == nil {
		sink = events.Discard
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	}

	return &State{
		configPath: ConfigPath(opts.DataDir),
		logger:     logger,
		events:     sink,
		metrics:    m,
		registry:   registry.New(opts.DataDir),
		pending:    make(map[string]PendingPairing),
	}
}

// Config returns a snapshot of the relay configuration.
func (s *State) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Registry returns the device registry.
func (s *State) Registry() *registry.Registry {
	return s.registry
}

// Connected reports whether the relay acknowledged the host.
func (s *State) Connected() bool {
	return s.connected.Load()
}

// Status returns the current externally visible state.
func (s *State) Status() Status {
	cfg := s.Config()

	s.pairMu.Lock()
	code := s.pairingCode
	s.pairMu.Unlock()

	return Status{
		Enabled:     cfg.Enabled,
		ServerURL:   cfg.ServerURL,
		Connected:   s.connected.Load(),
		HostID:      cfg.HostID,
		DeviceCount: s.registry.Len(),
		PairingCode: code,
	}
}

// Devices returns the paired devices.
func (s *State) Devices() []registry.PairedDevice {
	return s.registry.List()
}

// PendingPairings returns the requests awaiting a decision.
func (s *State) PendingPairings() []PendingPairing {
	s.pairMu.Lock()
	list := make([]PendingPairing, 0, len(s.pending))
	for _, p := range s.pending {
		list = append(list, p)
	}
	s.pairMu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].DeviceID < list[j].DeviceID })
	return list
}

// SetEnabled turns the relay on or off and persists the choice. The
// connection manager observes the change on its next tick.
func (s *State) SetEnabled(enabled bool) error {
	cfg := s.Config()
	s.logger.Info("set relay enabled",
		"enabled", enabled,
		logging.KeyServerURL, cfg.ServerURL,
		logging.KeyHostID, logging.Short(cfg.HostID))

	err := s.updateConfig(func(c *Config) error {
		c.Enabled = enabled
		return nil
	})
	if !enabled {
		s.connected.Store(false)
	}
	s.publishStatus()
	return err
}

// SetServerURL changes the relay server. Missing identity values are
// generated at the same time.
func (s *State) SetServerURL(serverURL string) error {
	next := strings.TrimSpace(serverURL)
	if err := transport.ValidateRelayURL(next); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidServerURL, err)
	}

	err := s.updateConfig(func(c *Config) error {
		c.ServerURL = next
		if strings.TrimSpace(c.HostID) == "" {
			id, err := identity.NewHostIDString()
			if err != nil {
				return err
			}
			c.HostID = id
		}
		if strings.TrimSpace(c.MasterSecret) == "" {
			secret, err := identity.NewMasterSecret()
			if err != nil {
				return err
			}
			c.MasterSecret = secret
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("relay server changed", logging.KeyServerURL, next)
	s.publishStatus()
	return nil
}

// ResetHostID assigns a fresh host id. The active connection is dropped
// on the manager's next tick and re-registers under the new id.
func (s *State) ResetHostID() error {
	err := s.updateConfig(func(c *Config) error {
		id, err := identity.NewHostIDString()
		if err != nil {
			return err
		}
		c.HostID = id
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("host id reset", logging.KeyHostID, logging.Short(s.Config().HostID))
	s.publishStatus()
	return nil
}

// RemoveDevice unpairs a device and persists the registry.
func (s *State) RemoveDevice(deviceID string) error {
	if err := s.registry.Remove(deviceID); err != nil {
		return err
	}
	if err := s.registry.Save(); err != nil {
		return fmt.Errorf("save devices: %w", err)
	}

	s.metrics.SetPairedDevices(s.registry.Len())
	s.logger.Info("device removed", logging.KeyDeviceID, deviceID)
	s.publishStatus()
	return nil
}

// updateConfig applies fn to the configuration and writes it back. The
// in-memory change is kept even when the write fails.
func (s *State) updateConfig(fn func(*Config) error) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	next := s.config
	if err := fn(&next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.config = next
	s.mu.Unlock()

	if err := SaveConfig(s.configPath, next); err != nil {
		return fmt.Errorf("save relay config: %w", err)
	}
	return nil
}

func (s *State) publishStatus() {
	s.events.Publish(s.Status())
}

// setConnected records whether the relay acknowledged the host and
// publishes the new status.
func (s *State) setConnected(connected bool) {
	s.connected.Store(connected)
	s.publishStatus()
}

func (s *State) setOutbox(o *outbox) {
	s.outMu.Lock()
	s.outbox = o
	s.outMu.Unlock()
}

// clearOutbox detaches o if it is still the active queue.
func (s *State) clearOutbox(o *outbox) {
	s.outMu.Lock()
	if s.outbox == o {
		s.outbox = nil
	}
	s.outMu.Unlock()
}

// send queues msg on the active connection. With wait unset a full queue
// fails immediately with ErrQueueFull.
func (s *State) send(ctx context.Context, msg protocol.Outbound, wait bool) error {
	s.outMu.RLock()
	o := s.outbox
	s.outMu.RUnlock()

	if o == nil {
		return ErrNotConnected
	}
	return o.enqueue(ctx, msg, wait)
}

// outbox is the bounded queue in front of a connection's writer. It is
// never closed; done marks the end of the connection.
type outbox struct {
	ch   chan protocol.Outbound
	done <-chan struct{}
}

func newOutbox(size int, done <-chan struct{}) *outbox {
	return &outbox{ch: make(chan protocol.Outbound, size), done: done}
}

func (o *outbox) enqueue(ctx context.Context, msg protocol.Outbound, wait bool) error {
	select {
	case <-o.done:
		return ErrNotConnected
	default:
	}

	select {
	case o.ch <- msg:
		return nil
	default:
	}
	if !wait {
		return ErrQueueFull
	}

	select {
	case o.ch <- msg:
		return nil
	case <-o.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}
