package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"nhooyr.io/websocket"

	"github.com/comine-app/comine-relay/internal/crypto"
	"github.com/comine-app/comine-relay/internal/events"
	"github.com/comine-app/comine-relay/internal/metrics"
	"github.com/comine-app/comine-relay/internal/protocol"
	"github.com/comine-app/comine-relay/internal/registry"
	"github.com/comine-app/comine-relay/internal/transport"
)

// fakeRelay is a relay server that records what the host sends.
type fakeRelay struct {
	t      *testing.T
	srv    *httptest.Server
	autoOK bool
	conns  chan *fakeConn
}

type fakeConn struct {
	conn     *websocket.Conn
	received chan protocol.Outbound
	closed   chan struct{}
}

func newFakeRelay(t *testing.T, autoOK bool) *fakeRelay {
	t.Helper()
	f := &fakeRelay{t: t, autoOK: autoOK, conns: make(chan *fakeConn, 8)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRelay) URL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
}

func (f *fakeRelay) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	fc := &fakeConn{conn: conn, received: make(chan protocol.Outbound, 64), closed: make(chan struct{})}
	defer close(fc.closed)
	defer conn.CloseNow()
	f.conns <- fc

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		msg, err := protocol.DecodeOutbound(data)
		if err != nil {
			f.t.Errorf("relay received invalid message %s: %v", data, err)
			return
		}
		if _, ok := msg.(protocol.HostHello); ok && f.autoOK {
			fc.send(f.t, protocol.HostOK{})
		}
		fc.received <- msg
	}
}

// accept waits for the next host connection.
func (f *fakeRelay) accept(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case fc := <-f.conns:
		return fc
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for host connection")
		return nil
	}
}

func (fc *fakeConn) send(t *testing.T, msg protocol.Inbound) {
	data, err := protocol.EncodeInbound(msg)
	if err != nil {
		t.Errorf("encode %T: %v", msg, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := fc.conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("relay write: %v", err)
	}
}

// next waits for the next message from the host.
func (fc *fakeConn) next(t *testing.T) protocol.Outbound {
	t.Helper()
	select {
	case msg := <-fc.received:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for host message")
		return nil
	}
}

// expectNothing asserts that the host sends nothing for d.
func (fc *fakeConn) expectNothing(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case msg := <-fc.received:
		t.Fatalf("unexpected message from host: %#v", msg)
	case <-time.After(d):
	}
}

// recorder collects published events. A busy recorder refuses them.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
	busy   bool
}

func (r *recorder) Publish(ev events.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy {
		return false
	}
	r.events = append(r.events, ev)
	return true
}

func (r *recorder) setBusy(busy bool) {
	r.mu.Lock()
	r.busy = busy
	r.mu.Unlock()
}

func (r *recorder) downloads() []events.DownloadRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.DownloadRequest
	for _, ev := range r.events {
		if d, ok := ev.(events.DownloadRequest); ok {
			out = append(out, d)
		}
	}
	return out
}

func (r *recorder) cancels() []events.CancelRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.CancelRequest
	for _, ev := range r.events {
		if c, ok := ev.(events.CancelRequest); ok {
			out = append(out, c)
		}
	}
	return out
}

func (r *recorder) pairings() []events.PendingPairing {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.PendingPairing
	for _, ev := range r.events {
		if p, ok := ev.(events.PendingPairing); ok {
			out = append(out, p)
		}
	}
	return out
}

func (r *recorder) lastStatus() (events.Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if s, ok := r.events[i].(events.Status); ok {
			return s, true
		}
	}
	return events.Status{}, false
}

// newTestState creates a State in a temporary data directory.
func newTestState(t *testing.T) (*State, *recorder) {
	t.Helper()
	rec := &recorder{}
	s, err := NewState(StateOptions{
		DataDir: t.TempDir(),
		Events:  rec,
		Metrics: metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
	})
	if err != nil {
		t.Fatalf("NewState() error = %v", err)
	}
	return s, rec
}

// attachOutbox gives s a queue that the test drains directly.
func attachOutbox(s *State, size int) *outbox {
	box := newOutbox(size, make(chan struct{}))
	s.setOutbox(box)
	return box
}

func (o *outbox) mustNext(t *testing.T) protocol.Outbound {
	t.Helper()
	select {
	case msg := <-o.ch:
		return msg
	default:
		t.Fatal("outbox is empty")
		return nil
	}
}

func (o *outbox) mustBeEmpty(t *testing.T) {
	t.Helper()
	select {
	case msg := <-o.ch:
		t.Fatalf("unexpected queued message %#v", msg)
	default:
	}
}

// pairDevice stores a device with a fresh secret and returns the secret.
func pairDevice(t *testing.T, s *State, id string) crypto.Secret {
	t.Helper()
	secret, err := crypto.GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().Unix()
	err = s.registry.Put(registry.PairedDevice{
		DeviceID:   id,
		DeviceName: "Laptop",
		Browser:    "Firefox",
		Secret:     crypto.EncodeSecret(secret),
		PairedAt:   now,
		LastSeen:   now,
	})
	if err != nil {
		t.Fatal(err)
	}
	return secret
}

// sealCommand encrypts cmd the way a device does.
func sealCommand(t *testing.T, deviceID string, key crypto.Secret, cmd protocol.Command) protocol.Frame {
	t.Helper()
	plaintext, err := protocol.EncodeCommand(cmd)
	if err != nil {
		t.Fatal(err)
	}
	nonce, box, err := crypto.EncryptFrame(key, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	return protocol.Frame{DeviceID: deviceID, Nonce: nonce, Box: box}
}

// openAck decrypts an ack frame sent by the host.
func openAck(t *testing.T, msg protocol.Outbound, key crypto.Secret) protocol.Ack {
	t.Helper()
	frame, ok := msg.(protocol.Frame)
	if !ok {
		t.Fatalf("message = %T, want Frame", msg)
	}
	plaintext, err := crypto.DecryptFrame(key, frame.Nonce, frame.Box)
	if err != nil {
		t.Fatalf("DecryptFrame() error = %v", err)
	}
	cmd, err := protocol.DecodeCommand(plaintext)
	if err != nil {
		t.Fatalf("DecodeCommand() error = %v", err)
	}
	ack, ok := cmd.(protocol.Ack)
	if !ok {
		t.Fatalf("command = %T, want Ack", cmd)
	}
	return ack
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestDialer(t *testing.T) transport.Dialer {
	t.Helper()
	d, err := transport.NewWebSocketDialer(transport.DialOptions{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	return d
}
