package relay

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/comine-app/comine-relay/internal/protocol"
	"github.com/comine-app/comine-relay/internal/registry"
)

func TestNewState_Defaults(t *testing.T) {
	s, _ := newTestState(t)

	st := s.Status()
	if st.Enabled || st.Connected {
		t.Errorf("new state should be disabled and disconnected: %+v", st)
	}
	if st.ServerURL != DefaultServerURL {
		t.Errorf("ServerURL = %q", st.ServerURL)
	}
	if st.HostID == "" {
		t.Error("HostID should be generated")
	}
	if st.DeviceCount != 0 || st.PairingCode != "" {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestState_SetEnabledPersists(t *testing.T) {
	s, rec := newTestState(t)

	if err := s.SetEnabled(true); err != nil {
		t.Fatalf("SetEnabled() error = %v", err)
	}

	cfg, _, err := LoadConfig(s.configPath)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Enabled {
		t.Error("enabled flag not persisted")
	}

	st, ok := rec.lastStatus()
	if !ok || !st.Enabled {
		t.Errorf("status event = %+v, %v", st, ok)
	}
}

func TestState_SetEnabledFalseClearsConnected(t *testing.T) {
	s, _ := newTestState(t)
	s.connected.Store(true)

	if err := s.SetEnabled(false); err != nil {
		t.Fatal(err)
	}
	if s.Connected() {
		t.Error("disabling should clear the connected flag")
	}
}

func TestState_SetServerURL(t *testing.T) {
	s, _ := newTestState(t)

	if err := s.SetServerURL("https://example.com"); !errors.Is(err, ErrInvalidServerURL) {
		t.Errorf("SetServerURL(https) error = %v, want ErrInvalidServerURL", err)
	}
	if s.Config().ServerURL != DefaultServerURL {
		t.Error("invalid URL must not change the config")
	}

	if err := s.SetServerURL("  ws://127.0.0.1:9000/ws "); err != nil {
		t.Fatalf("SetServerURL() error = %v", err)
	}
	if got := s.Config().ServerURL; got != "ws://127.0.0.1:9000/ws" {
		t.Errorf("ServerURL = %q", got)
	}

	cfg, _, err := LoadConfig(s.configPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerURL != "ws://127.0.0.1:9000/ws" {
		t.Errorf("persisted ServerURL = %q", cfg.ServerURL)
	}
}

func TestState_ResetHostID(t *testing.T) {
	s, _ := newTestState(t)
	before := s.Config().HostID

	if err := s.ResetHostID(); err != nil {
		t.Fatalf("ResetHostID() error = %v", err)
	}
	after := s.Config().HostID
	if after == before || len(after) != 32 {
		t.Errorf("HostID = %q, before %q", after, before)
	}
}

func TestState_RemoveDevice(t *testing.T) {
	s, _ := newTestState(t)
	pairDevice(t, s, "dev1")

	if err := s.RemoveDevice("dev1"); err != nil {
		t.Fatalf("RemoveDevice() error = %v", err)
	}
	if s.Status().DeviceCount != 0 {
		t.Error("device count should be zero")
	}
	if err := s.RemoveDevice("dev1"); !errors.Is(err, registry.ErrDeviceNotFound) {
		t.Errorf("RemoveDevice() error = %v, want ErrDeviceNotFound", err)
	}

	reloaded := registry.New(filepath.Dir(s.registry.Path()))
	if err := reloaded.Load(); err != nil {
		t.Fatal(err)
	}
	if reloaded.Len() != 0 {
		t.Error("removal not persisted")
	}
}

func TestState_SendWithoutConnection(t *testing.T) {
	s, _ := newTestState(t)
	err := s.send(context.Background(), protocol.PairingReject{DeviceID: "x"}, true)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("send() error = %v, want ErrNotConnected", err)
	}
}

func TestOutbox_FullAndClosed(t *testing.T) {
	done := make(chan struct{})
	box := newOutbox(1, done)

	if err := box.enqueue(context.Background(), protocol.PairingReject{}, false); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := box.enqueue(context.Background(), protocol.PairingReject{}, false); !errors.Is(err, ErrQueueFull) {
		t.Errorf("enqueue on full queue = %v, want ErrQueueFull", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := box.enqueue(ctx, protocol.PairingReject{}, true); !errors.Is(err, context.Canceled) {
		t.Errorf("waiting enqueue with cancelled ctx = %v", err)
	}

	close(done)
	if err := box.enqueue(context.Background(), protocol.PairingReject{}, true); !errors.Is(err, ErrNotConnected) {
		t.Errorf("enqueue after close = %v, want ErrNotConnected", err)
	}
}
