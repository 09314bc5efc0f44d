// Package events carries relay notifications to in-process consumers: the
// download engine, the control surface and the log.
package events

import (
	"sync"
	"sync/atomic"
)

// Event names, shared with the desktop UI.
const (
	NameStatus          = "relay-status"
	NamePairingRequest  = "relay-pairing-request"
	NameDownloadRequest = "extension-download"
	NameCancelRequest   = "extension-cancel"
)

// Event is a notification published on the bus.
type Event interface {
	Name() string
}

// Status is the externally visible relay state.
type Status struct {
	Enabled     bool   `json:"enabled"`
	ServerURL   string `json:"server_url"`
	Connected   bool   `json:"connected"`
	HostID      string `json:"host_id"`
	DeviceCount int    `json:"device_count"`
	PairingCode string `json:"pairing_code,omitempty"`
}

// PendingPairing is a pairing request waiting for the user.
type PendingPairing struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Browser    string `json:"browser"`
	Code       string `json:"code"`
}

// DownloadRequest asks the download engine to start a download. It has the
// same shape as requests from the localhost ingress.
type DownloadRequest struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Title     string `json:"title,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
	OpenApp   bool   `json:"openApp"`
	DeviceID  string `json:"deviceId"`
	FromRelay bool   `json:"fromRelay"`
}

// CancelRequest asks the download engine to cancel a download.
type CancelRequest struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	DeviceID  string `json:"deviceId"`
	FromRelay bool   `json:"fromRelay"`
}

func (Status) Name() string          { return NameStatus }
func (PendingPairing) Name() string  { return NamePairingRequest }
func (DownloadRequest) Name() string { return NameDownloadRequest }
func (CancelRequest) Name() string   { return NameCancelRequest }

// Sink accepts events. Publish reports whether every consumer took the
// event.
type Sink interface {
	Publish(Event) bool
}

// Bus fans events out to subscribed channels.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan<- Event

	dropped atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a channel to receive events.
func (b *Bus) Subscribe(ch chan<- Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, ch)
}

// Unsubscribe removes a channel from the bus.
func (b *Bus) Unsubscribe(ch chan<- Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subscribers {
		if sub == ch {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to every subscriber without blocking. Subscribers
// whose channel is full miss the event, and Publish then returns false.
func (b *Bus) Publish(ev Event) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := true
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			delivered = false
		}
	}
	return delivered
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Discard is a Sink that ignores every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Publish(Event) bool { return true }
