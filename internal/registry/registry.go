// Package registry persists the devices paired with this host.
package registry

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/comine-app/comine-relay/internal/crypto"
	"github.com/comine-app/comine-relay/internal/jsonfile"
)

// FileName is the registry file inside the data directory.
const FileName = "relay_devices.json"

var (
	// ErrDeviceNotFound is returned when no device has the given id.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrInvalidSecret is returned when a device secret is not 32 bytes of base64.
	ErrInvalidSecret = errors.New("invalid device secret")
)

// PairedDevice is a browser extension installation that completed pairing.
// Times are unix seconds.
type PairedDevice struct {
	DeviceID      string `json:"device_id"`
	DeviceName    string `json:"device_name"`
	Browser       string `json:"browser"`
	Secret        string `json:"secret"`
	PairedAt      int64  `json:"paired_at"`
	LastSeen      int64  `json:"last_seen"`
	LastCommandAt int64  `json:"last_command_at"`
	CommandCount  uint64 `json:"command_count"`
}

// Registry holds paired devices keyed by device id.
type Registry struct {
	path string

	// saveMu orders snapshot+write pairs so the newest snapshot lands last.
	saveMu sync.Mutex

	mu      sync.RWMutex
	devices map[string]PairedDevice
}

// New creates an empty registry stored in dataDir.
func New(dataDir string) *Registry {
	return &Registry{
		path:    filepath.Join(dataDir, FileName),
		devices: make(map[string]PairedDevice),
	}
}

// Path returns the backing file path.
func (r *Registry) Path() string {
	return r.path
}

// Load replaces the in-memory set with the file contents. A missing file
// leaves the registry empty. Devices that were never seen get last_seen
// set to their pairing time.
func (r *Registry) Load() error {
	devices := make(map[string]PairedDevice)
	if _, err := jsonfile.Read(r.path, &devices); err != nil {
		return err
	}

	for id, d := range devices {
		if d.LastSeen <= 0 {
			d.LastSeen = d.PairedAt
		}
		// The key is authoritative.
		d.DeviceID = id
		devices[id] = d
	}

	r.mu.Lock()
	r.devices = devices
	r.mu.Unlock()
	return nil
}

// Save writes the registry to disk.
func (r *Registry) Save() error {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.RLock()
	snapshot := make(map[string]PairedDevice, len(r.devices))
	for id, d := range r.devices {
		snapshot[id] = d
	}
	r.mu.RUnlock()

	return jsonfile.Write(r.path, snapshot)
}

// Put stores a device, replacing any entry with the same id.
func (r *Registry) Put(d PairedDevice) error {
	if d.DeviceID == "" {
		return fmt.Errorf("%w: empty device id", ErrDeviceNotFound)
	}
	if _, err := crypto.DecodeSecret(d.Secret); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}

	r.mu.Lock()
	r.devices[d.DeviceID] = d
	r.mu.Unlock()
	return nil
}

// Get returns the device with the given id.
func (r *Registry) Get(id string) (PairedDevice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

// Secret returns the decoded frame key of a device.
func (r *Registry) Secret(id string) (crypto.Secret, error) {
	d, ok := r.Get(id)
	if !ok {
		return crypto.Secret{}, ErrDeviceNotFound
	}
	key, err := crypto.DecodeSecret(d.Secret)
	if err != nil {
		return crypto.Secret{}, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return key, nil
}

// List returns all devices ordered by pairing time.
func (r *Registry) List() []PairedDevice {
	r.mu.RLock()
	list := make([]PairedDevice, 0, len(r.devices))
	for _, d := range r.devices {
		list = append(list, d)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].PairedAt != list[j].PairedAt {
			return list[i].PairedAt < list[j].PairedAt
		}
		return list[i].DeviceID < list[j].DeviceID
	})
	return list
}

// Len returns the number of paired devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Remove deletes a device.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[id]; !ok {
		return ErrDeviceNotFound
	}
	delete(r.devices, id)
	return nil
}

// Touch records activity from a device. last_seen is always updated;
// command statistics only when isCommand is set. It reports whether the
// device exists.
func (r *Registry) Touch(id string, now time.Time, isCommand bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return false
	}
	ts := now.Unix()
	d.LastSeen = ts
	if isCommand {
		d.LastCommandAt = ts
		d.CommandCount++
	}
	r.devices[id] = d
	return true
}
