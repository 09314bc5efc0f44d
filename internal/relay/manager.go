package relay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/comine-app/comine-relay/internal/logging"
	"github.com/comine-app/comine-relay/internal/protocol"
	"github.com/comine-app/comine-relay/internal/recovery"
	"github.com/comine-app/comine-relay/internal/transport"
)

// ConnectionState is the phase of the relay connection.
type ConnectionState int32

const (
	StateIdle ConnectionState = iota
	StateDialing
	StateAnnounced
	StateActive
)

// String returns the string representation of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateDialing:
		return "DIALING"
	case StateAnnounced:
		return "ANNOUNCED"
	case StateActive:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// ManagerConfig configures a connection manager.
type ManagerConfig struct {
	Dialer     transport.Dialer
	Pairing    *Pairing
	Dispatcher *Dispatcher

	// PollInterval is how often the loop checks for configuration changes.
	PollInterval time.Duration
	// QueueSize is the outbound queue capacity per connection.
	QueueSize int
	// WriteTimeout bounds a single socket write.
	WriteTimeout time.Duration
	Reconnect    ReconnectConfig

	Logger *slog.Logger
}

// DefaultManagerConfig returns the default timings.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		PollInterval: 500 * time.Millisecond,
		QueueSize:    256,
		WriteTimeout: 10 * time.Second,
		Reconnect:    DefaultReconnectConfig(),
	}
}

// Manager keeps the host connected to the relay while the feature is
// enabled. At most one connection loop runs at a time.
type Manager struct {
	state      *State
	dialer     transport.Dialer
	pairing    *Pairing
	dispatcher *Dispatcher
	cfg        ManagerConfig
	backoff    *BackoffCalculator
	logger     *slog.Logger

	running   atomic.Bool
	connState atomic.Int32

	mu      sync.Mutex
	baseCtx context.Context
	wg      sync.WaitGroup
}

// NewManager creates a connection manager. Zero fields of cfg take their
// defaults; a nil Pairing or Dispatcher is created over state.
func NewManager(state *State, cfg ManagerConfig) *Manager {
	defaults := DefaultManagerConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.Pairing == nil {
		cfg.Pairing = NewPairing(state, DefaultPairingOptions())
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = NewDispatcher(state)
	}
	logger := state.logger
	if cfg.Logger != nil {
		logger = cfg.Logger.With(logging.KeyComponent, "relay")
	}

	return &Manager{
		state:      state,
		dialer:     cfg.Dialer,
		pairing:    cfg.Pairing,
		dispatcher: cfg.Dispatcher,
		cfg:        cfg,
		backoff:    NewBackoffCalculator(cfg.Reconnect),
		logger:     logger,
	}
}

// Pairing returns the pairing coordinator fed by this manager.
func (m *Manager) Pairing() *Pairing {
	return m.pairing
}

// Running reports whether a connection loop is active.
func (m *Manager) Running() bool {
	return m.running.Load()
}

// ConnectionState returns the current connection phase.
func (m *Manager) ConnectionState() ConnectionState {
	return ConnectionState(m.connState.Load())
}

// Start remembers ctx as the lifetime of loops started by Enable and
// starts the loop if the relay is enabled.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()

	if m.state.Config().Enabled {
		m.spawn(ctx)
	}
}

// Wait blocks until loops started by Start or Enable have returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Enable turns the relay on and starts the connection loop.
func (m *Manager) Enable() error {
	err := m.state.SetEnabled(true)

	m.mu.Lock()
	ctx := m.baseCtx
	m.mu.Unlock()
	if ctx != nil {
		m.spawn(ctx)
	}
	return err
}

// Disable turns the relay off. The active loop exits within one poll interval.
func (m *Manager) Disable() error {
	return m.state.SetEnabled(false)
}

func (m *Manager) spawn(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer recovery.RecoverWithLog(m.logger, "relay.Manager.Connect")
		m.Connect(ctx)
	}()
}

// Connect runs the connection loop until the relay is disabled or ctx
// ends. A call made while another loop is running returns immediately.
func (m *Manager) Connect(ctx context.Context) {
	for {
		if !m.running.CompareAndSwap(false, true) {
			m.logger.Debug("relay loop already running")
			return
		}
		m.run(ctx)
		m.running.Store(false)

		// An enable that raced with the loop's exit found it still running.
		if ctx.Err() != nil || !m.state.Config().Enabled {
			return
		}
	}
}

func (m *Manager) run(ctx context.Context) {
	attempt := 0

	for {
		cfg := m.state.Config()
		if !cfg.Enabled {
			m.logger.Info("relay disabled, connection loop stopped")
			return
		}
		if ctx.Err() != nil {
			return
		}

		established, registered := m.session(ctx, cfg)
		if registered {
			attempt = 0
		}

		stillEnabled := m.state.Config().Enabled && ctx.Err() == nil
		if established {
			m.state.metrics.RecordDisconnected(stillEnabled)
			m.state.setConnected(false)
		}
		if !stillEnabled {
			if !m.state.Config().Enabled {
				m.logger.Info("relay disabled, connection loop stopped")
			}
			return
		}

		delay := m.backoff.CalculateDelay(attempt)
		attempt++
		m.logger.Info("reconnecting to relay", logging.KeyDelay, delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// session runs one connection. established reports whether the hello was
// sent, registered whether the relay answered with host_ok.
func (m *Manager) session(ctx context.Context, cfg Config) (established, registered bool) {
	start := time.Now()
	m.connState.Store(int32(StateDialing))
	defer m.connState.Store(int32(StateIdle))

	m.logger.Info("connecting to relay",
		logging.KeyServerURL, cfg.ServerURL,
		logging.KeyHostID, logging.Short(cfg.HostID))

	conn, err := m.dialer.Dial(ctx, cfg.ServerURL)
	if err != nil {
		m.state.metrics.RecordDial(false)
		m.logger.Warn("relay dial failed", logging.KeyServerURL, cfg.ServerURL, logging.KeyError, err)
		return false, false
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The hello goes out before the writer exists.
	hello, err := protocol.EncodeOutbound(protocol.HostHello{HostID: cfg.HostID})
	if err == nil {
		writeCtx, writeCancel := context.WithTimeout(connCtx, m.cfg.WriteTimeout)
		err = conn.Write(writeCtx, hello)
		writeCancel()
	}
	if err != nil {
		m.state.metrics.RecordDial(false)
		m.logger.Warn("failed to send host_hello", logging.KeyError, err)
		conn.CloseNow()
		return false, false
	}
	m.state.metrics.RecordDial(true)
	m.state.metrics.RecordEnvelopeSent(protocol.TypeHostHello)
	m.connState.Store(int32(StateAnnounced))

	box := newOutbox(m.cfg.QueueSize, connCtx.Done())
	inbound := make(chan protocol.Inbound)
	readErr := make(chan error, 1)

	var wg sync.WaitGroup
	wg.Add(2)
	go m.writeLoop(connCtx, cancel, conn, box, &wg)
	go m.readLoop(connCtx, conn, inbound, readErr, &wg)
	m.state.setOutbox(box)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-connCtx.Done():
			break loop

		case err := <-readErr:
			m.logger.Warn("relay connection closed", logging.KeyError, err)
			break loop

		case msg := <-inbound:
			if m.handle(connCtx, msg, start) {
				registered = true
			}

		case <-ticker.C:
			cur := m.state.Config()
			if !cur.Enabled {
				m.logger.Info("relay disabled, closing connection")
				break loop
			}
			if cur.ServerURL != cfg.ServerURL || cur.HostID != cfg.HostID {
				m.logger.Info("relay config changed, reconnecting",
					logging.KeyServerURL, cur.ServerURL,
					logging.KeyHostID, logging.Short(cur.HostID))
				break loop
			}
		}
	}

	m.state.clearOutbox(box)
	cancel()
	conn.CloseNow()
	wg.Wait()

	return true, registered
}

// handle routes one inbound message. It reports whether the message was
// the relay's registration acknowledgement.
func (m *Manager) handle(ctx context.Context, msg protocol.Inbound, start time.Time) bool {
	m.state.metrics.RecordEnvelopeReceived(msg.Type())

	switch msg := msg.(type) {
	case protocol.HostOK:
		m.connState.Store(int32(StateActive))
		m.state.metrics.RecordConnected(time.Since(start).Seconds())
		m.logger.Info("registered with relay")
		m.state.setConnected(true)
		return true

	case protocol.ServerError:
		m.logger.Warn("relay error", logging.KeyError, msg.Message)

	case protocol.Pong:

	case protocol.PairingRequest:
		m.pairing.HandlePairingRequest(ctx, msg)

	case protocol.Frame:
		m.dispatcher.HandleFrame(ctx, msg)
	}
	return false
}

// readLoop feeds decoded messages to the session. Undecodable messages are
// logged and skipped.
func (m *Manager) readLoop(ctx context.Context, conn transport.Conn, out chan<- protocol.Inbound, errc chan<- error, wg *sync.WaitGroup) {
	defer wg.Done()
	defer recovery.RecoverWithLog(m.logger, "relay.Manager.readLoop")

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			errc <- err
			return
		}

		msg, err := protocol.DecodeInbound(data)
		if err != nil {
			m.logger.Warn("invalid message from relay", logging.KeyError, err)
			continue
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// writeLoop is the only writer on conn after the hello. A failed write
// ends the session.
func (m *Manager) writeLoop(ctx context.Context, cancel context.CancelFunc, conn transport.Conn, box *outbox, wg *sync.WaitGroup) {
	defer wg.Done()
	defer recovery.RecoverWithLog(m.logger, "relay.Manager.writeLoop")

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-box.ch:
			data, err := protocol.EncodeOutbound(msg)
			if err != nil {
				m.logger.Error("failed to encode message", logging.KeyType, msg.Type(), logging.KeyError, err)
				continue
			}

			writeCtx, writeCancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
			err = conn.Write(writeCtx, data)
			writeCancel()
			if err != nil {
				if ctx.Err() == nil {
					m.logger.Warn("relay write failed", logging.KeyType, msg.Type(), logging.KeyError, err)
				}
				cancel()
				return
			}
			m.state.metrics.RecordEnvelopeSent(msg.Type())
		}
	}
}
