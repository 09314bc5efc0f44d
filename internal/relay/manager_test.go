package relay

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/comine-app/comine-relay/internal/protocol"
	"github.com/comine-app/comine-relay/internal/transport"
)

const testPoll = 20 * time.Millisecond

func newTestManager(t *testing.T, s *State, dialer transport.Dialer) *Manager {
	t.Helper()
	return NewManager(s, ManagerConfig{
		Dialer:       dialer,
		PollInterval: testPoll,
		Reconnect: ReconnectConfig{
			InitialDelay: 20 * time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
			Multiplier:   1,
		},
	})
}

// startManager runs m until the test ends.
func startManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	t.Cleanup(func() {
		cancel()
		m.Wait()
	})
}

func enable(t *testing.T, s *State, url string) {
	t.Helper()
	if err := s.SetServerURL(url); err != nil {
		t.Fatal(err)
	}
	if err := s.SetEnabled(true); err != nil {
		t.Fatal(err)
	}
}

func TestManager_RegistersWithRelay(t *testing.T) {
	relay := newFakeRelay(t, true)
	s, rec := newTestState(t)
	enable(t, s, relay.URL())

	m := newTestManager(t, s, newTestDialer(t))
	startManager(t, m)

	fc := relay.accept(t)
	hello, ok := fc.next(t).(protocol.HostHello)
	if !ok {
		t.Fatal("first message should be host_hello")
	}
	if hello.HostID != s.Config().HostID {
		t.Errorf("host_hello.host_id = %q, want %q", hello.HostID, s.Config().HostID)
	}

	waitFor(t, 2*time.Second, s.Connected, "connected")
	if m.ConnectionState() != StateActive {
		t.Errorf("ConnectionState() = %v, want ACTIVE", m.ConnectionState())
	}
	if st, ok := rec.lastStatus(); !ok || !st.Connected {
		t.Errorf("last status = %+v", st)
	}
}

func TestManager_DisabledDoesNotConnect(t *testing.T) {
	var dials atomic.Int32
	s, _ := newTestState(t)
	m := newTestManager(t, s, dialerFunc(func(ctx context.Context, url string) (transport.Conn, error) {
		dials.Add(1)
		return nil, errors.New("unexpected dial")
	}))

	m.Connect(context.Background())

	if dials.Load() != 0 {
		t.Error("a disabled relay must not dial")
	}
	if m.Running() {
		t.Error("loop should not be running")
	}
}

func TestManager_SingleFlight(t *testing.T) {
	var dials atomic.Int32
	release := make(chan struct{})
	s, _ := newTestState(t)
	enable(t, s, "ws://127.0.0.1:1/ws")

	m := newTestManager(t, s, dialerFunc(func(ctx context.Context, url string) (transport.Conn, error) {
		dials.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, errors.New("refused")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Connect(ctx)
		close(done)
	}()
	waitFor(t, time.Second, m.Running, "loop running")

	second := make(chan struct{})
	go func() {
		m.Connect(ctx)
		close(second)
	}()
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("second Connect should return immediately")
	}

	if got := dials.Load(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}

	cancel()
	close(release)
	<-done
	if m.Running() {
		t.Error("loop should have stopped")
	}
}

func TestManager_DownloadOverRelay(t *testing.T) {
	relay := newFakeRelay(t, true)
	s, rec := newTestState(t)
	key := pairDevice(t, s, "dev1")
	enable(t, s, relay.URL())

	m := newTestManager(t, s, newTestDialer(t))
	startManager(t, m)

	fc := relay.accept(t)
	fc.next(t) // host_hello
	waitFor(t, 2*time.Second, s.Connected, "connected")

	fc.send(t, sealCommand(t, "dev1", key, protocol.Download{
		CmdID: "c1",
		URL:   "https://example.com/watch?v=42",
		Title: "Clip",
	}))

	ack := openAck(t, fc.next(t), key)
	if ack.CmdID != "c1" || !ack.Success {
		t.Errorf("ack = %+v", ack)
	}

	waitFor(t, time.Second, func() bool { return len(rec.downloads()) == 1 }, "download event")
	ev := rec.downloads()[0]
	if ev.URL != "https://example.com/watch?v=42" || ev.ID != "c1" || ev.DeviceID != "dev1" || !ev.FromRelay {
		t.Errorf("download event = %+v", ev)
	}

	device, _ := s.registry.Get("dev1")
	if device.CommandCount != 1 {
		t.Errorf("CommandCount = %d, want 1", device.CommandCount)
	}
}

func TestManager_TamperedFrameKeepsConnection(t *testing.T) {
	relay := newFakeRelay(t, true)
	s, rec := newTestState(t)
	key := pairDevice(t, s, "dev1")
	enable(t, s, relay.URL())

	m := newTestManager(t, s, newTestDialer(t))
	startManager(t, m)

	fc := relay.accept(t)
	fc.next(t)
	waitFor(t, 2*time.Second, s.Connected, "connected")

	frame := sealCommand(t, "dev1", key, protocol.Download{CmdID: "c1", URL: "https://example.com"})
	frame.Box = "AAAA" + frame.Box[4:]
	fc.send(t, frame)
	fc.expectNothing(t, 100*time.Millisecond)

	if len(rec.downloads()) != 0 {
		t.Error("tampered frame must not emit an event")
	}

	// The connection is still usable.
	fc.send(t, sealCommand(t, "dev1", key, protocol.Probe{CmdID: "p1"}))
	if ack := openAck(t, fc.next(t), key); ack.CmdID != "p1" {
		t.Errorf("ack = %+v", ack)
	}
}

func TestManager_DisableStopsWithinTick(t *testing.T) {
	relay := newFakeRelay(t, true)
	s, rec := newTestState(t)
	enable(t, s, relay.URL())

	m := newTestManager(t, s, newTestDialer(t))
	startManager(t, m)

	fc := relay.accept(t)
	fc.next(t)
	waitFor(t, 2*time.Second, s.Connected, "connected")

	if err := m.Disable(); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 10*testPoll, func() bool { return !m.Running() }, "loop exit")
	if s.Connected() {
		t.Error("status should be disconnected")
	}
	if st, ok := rec.lastStatus(); !ok || st.Connected || st.Enabled {
		t.Errorf("last status = %+v", st)
	}

	select {
	case <-fc.closed:
	case <-time.After(2 * time.Second):
		t.Error("relay connection should be closed")
	}
}

func TestManager_ReconnectsAfterDrop(t *testing.T) {
	relay := newFakeRelay(t, true)
	s, _ := newTestState(t)
	enable(t, s, relay.URL())

	m := newTestManager(t, s, newTestDialer(t))
	startManager(t, m)

	first := relay.accept(t)
	first.next(t)
	waitFor(t, 2*time.Second, s.Connected, "connected")

	first.conn.CloseNow()

	second := relay.accept(t)
	if _, ok := second.next(t).(protocol.HostHello); !ok {
		t.Error("reconnect should start with host_hello")
	}
	waitFor(t, 2*time.Second, s.Connected, "reconnected")
}

func TestManager_ServerURLChangeReconnects(t *testing.T) {
	relayA := newFakeRelay(t, true)
	relayB := newFakeRelay(t, true)
	s, _ := newTestState(t)
	enable(t, s, relayA.URL())

	m := newTestManager(t, s, newTestDialer(t))
	startManager(t, m)

	fa := relayA.accept(t)
	fa.next(t)
	waitFor(t, 2*time.Second, s.Connected, "connected to A")

	if err := s.SetServerURL(relayB.URL()); err != nil {
		t.Fatal(err)
	}

	fb := relayB.accept(t)
	if _, ok := fb.next(t).(protocol.HostHello); !ok {
		t.Error("expected host_hello on the new relay")
	}
	select {
	case <-fa.closed:
	case <-time.After(2 * time.Second):
		t.Error("old connection should be closed")
	}
}

func TestManager_PairingOverRelay(t *testing.T) {
	relay := newFakeRelay(t, true)
	s, _ := newTestState(t)
	enable(t, s, relay.URL())

	m := newTestManager(t, s, newTestDialer(t))
	startManager(t, m)

	fc := relay.accept(t)
	fc.next(t)
	waitFor(t, 2*time.Second, s.Connected, "connected")

	code, err := m.Pairing().StartPairing()
	if err != nil {
		t.Fatal(err)
	}
	fc.send(t, protocol.PairingRequest{DeviceID: "dev9", Code: code, DeviceName: "Phone", Browser: "Safari"})
	waitFor(t, time.Second, func() bool { return len(s.PendingPairings()) == 1 }, "pending pairing")

	if err := m.Pairing().Accept(context.Background(), "dev9"); err != nil {
		t.Fatal(err)
	}

	accept, ok := fc.next(t).(protocol.PairingAccept)
	if !ok || accept.DeviceID != "dev9" {
		t.Fatalf("expected pairing_accept, got %#v", accept)
	}
	secret, err := s.registry.Secret("dev9")
	if err != nil {
		t.Fatal(err)
	}

	// The new device can talk right away.
	fc.send(t, sealCommand(t, "dev9", secret, protocol.Probe{CmdID: "hello"}))
	if ack := openAck(t, fc.next(t), secret); ack.CmdID != "hello" {
		t.Errorf("ack = %+v", ack)
	}
}

func TestConnectionStateString(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  string
	}{
		{StateIdle, "IDLE"},
		{StateDialing, "DIALING"},
		{StateAnnounced, "ANNOUNCED"},
		{StateActive, "ACTIVE"},
		{ConnectionState(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

type dialerFunc func(ctx context.Context, url string) (transport.Conn, error)

func (f dialerFunc) Dial(ctx context.Context, url string) (transport.Conn, error) {
	return f(ctx, url)
}
