package relay

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/time/rate"

	"github.com/comine-app/comine-relay/internal/crypto"
	"github.com/comine-app/comine-relay/internal/logging"
	"github.com/comine-app/comine-relay/internal/metrics"
	"github.com/comine-app/comine-relay/internal/protocol"
	"github.com/comine-app/comine-relay/internal/registry"
)

// maxLabelRunes caps device names and browser labels.
const maxLabelRunes = 64

// PairingOptions configures the pairing coordinator.
type PairingOptions struct {
	// Rate is the number of pairing requests accepted per second.
	Rate float64
	// Burst is the number of requests accepted at once.
	Burst int

	Logger *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// DefaultPairingOptions returns the default request limits.
func DefaultPairingOptions() PairingOptions {
	return PairingOptions{Rate: 5, Burst: 10}
}

// Pairing runs pairing sessions: it issues codes, matches incoming
// requests against the current code and applies the user's decision.
type Pairing struct {
	state   *State
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// NewPairing creates a pairing coordinator over state.
func NewPairing(state *State, opts PairingOptions) *Pairing {
	defaults := DefaultPairingOptions()
	if opts.Rate <= 0 {
		opts.Rate = defaults.Rate
	}
	if opts.Burst <= 0 {
		opts.Burst = defaults.Burst
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := state.logger
	if opts.Logger != nil {
		logger = opts.Logger.With(logging.KeyComponent, "relay")
	}

	return &Pairing{
		state:   state,
		limiter: rate.NewLimiter(rate.Limit(opts.Rate), opts.Burst),
		logger:  logger,
		now:     opts.Now,
	}
}

// StartPairing issues a new current code. Pending requests made with an
// earlier code stay pending.
func (p *Pairing) StartPairing() (string, error) {
	code, err := crypto.GeneratePairingCode()
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}

	p.state.pairMu.Lock()
	p.state.pairingCode = code
	p.state.pairMu.Unlock()

	p.logger.Info("pairing code generated", "code", code)
	p.state.publishStatus()
	return code, nil
}

// StopPairing clears the current code and every pending request.
func (p *Pairing) StopPairing() {
	p.state.pairMu.Lock()
	p.state.pairingCode = ""
	clear(p.state.pending)
	p.state.pairMu.Unlock()

	p.logger.Debug("pairing stopped")
	p.state.publishStatus()
}

// HandlePairingRequest records a request carrying the current code for the
// user to decide on. A request without a matching code is rejected on the
// spot. Requests over the rate limit are dropped without a reply.
func (p *Pairing) HandlePairingRequest(ctx context.Context, req protocol.PairingRequest) {
	if !p.limiter.Allow() {
		p.state.metrics.RecordPairingRequest(metrics.PairingRateLimited)
		p.logger.Warn("pairing request rate limited", logging.KeyDeviceID, req.DeviceID)
		return
	}

	pending := PendingPairing{
		DeviceID:   req.DeviceID,
		DeviceName: sanitizeLabel(req.DeviceName, protocol.DefaultDeviceName),
		Browser:    sanitizeLabel(req.Browser, protocol.DefaultBrowser),
		Code:       req.Code,
	}

	p.state.pairMu.Lock()
	current := p.state.pairingCode
	matched := current != "" && subtle.ConstantTimeCompare([]byte(current), []byte(req.Code)) == 1
	if matched {
		p.state.pending[req.DeviceID] = pending
	}
	p.state.pairMu.Unlock()

	if !matched {
		p.state.metrics.RecordPairingRequest(metrics.PairingRejected)
		p.logger.Warn("invalid pairing code", logging.KeyDeviceID, req.DeviceID)
		if err := p.state.send(ctx, protocol.PairingReject{DeviceID: req.DeviceID}, false); err != nil {
			p.logger.Debug("pairing reject not sent", logging.KeyDeviceID, req.DeviceID, logging.KeyError, err)
		}
		return
	}

	p.state.metrics.RecordPairingRequest(metrics.PairingPending)
	p.logger.Info("pairing request",
		logging.KeyDeviceID, req.DeviceID,
		"device_name", pending.DeviceName,
		"browser", pending.Browser)
	p.state.events.Publish(pending)
}

// Accept pairs the device behind a pending request. The new secret is
// persisted before it is sent. Accepting also ends the pairing session, so
// later requests with the same code are rejected.
func (p *Pairing) Accept(ctx context.Context, deviceID string) error {
	p.state.pairMu.Lock()
	pending, ok := p.state.pending[deviceID]
	delete(p.state.pending, deviceID)
	p.state.pairMu.Unlock()

	if !ok {
		return fmt.Errorf("%w for device %s", ErrNoPendingPairing, deviceID)
	}

	secret, err := crypto.GenerateSecret()
	if err != nil {
		return fmt.Errorf("generate device secret: %w", err)
	}
	encrypted := crypto.EncryptWithPairingCode(pending.Code, secret[:])

	now := p.now().Unix()
	device := registry.PairedDevice{
		DeviceID:   deviceID,
		DeviceName: pending.DeviceName,
		Browser:    pending.Browser,
		Secret:     crypto.EncodeSecret(secret),
		PairedAt:   now,
		LastSeen:   now,
	}
	previous, existed := p.state.registry.Get(deviceID)
	if err := p.state.registry.Put(device); err != nil {
		p.restorePending(pending)
		return err
	}
	if err := p.state.registry.Save(); err != nil {
		if existed {
			p.state.registry.Put(previous)
		} else {
			p.state.registry.Remove(deviceID)
		}
		p.restorePending(pending)
		return fmt.Errorf("save devices: %w", err)
	}
	p.state.metrics.SetPairedDevices(p.state.registry.Len())

	err = p.state.send(ctx, protocol.PairingAccept{DeviceID: deviceID, EncryptedSecret: encrypted}, true)
	switch {
	case errors.Is(err, ErrNotConnected):
		p.logger.Warn("pairing accepted while offline, device must retry", logging.KeyDeviceID, deviceID)
	case err != nil:
		return fmt.Errorf("send pairing accept: %w", err)
	}

	p.state.pairMu.Lock()
	p.state.pairingCode = ""
	p.state.pairMu.Unlock()

	p.state.metrics.RecordPairingRequest(metrics.PairingAccepted)
	p.logger.Info("pairing accepted", logging.KeyDeviceID, deviceID, "device_name", device.DeviceName)
	p.state.publishStatus()
	return nil
}

// restorePending puts a request back after a failed accept so it can be
// retried. A newer request from the same device wins.
func (p *Pairing) restorePending(pending PendingPairing) {
	p.state.pairMu.Lock()
	if _, ok := p.state.pending[pending.DeviceID]; !ok {
		p.state.pending[pending.DeviceID] = pending
	}
	p.state.pairMu.Unlock()
}

// Reject drops a pending request and tells the device.
func (p *Pairing) Reject(ctx context.Context, deviceID string) error {
	p.state.pairMu.Lock()
	delete(p.state.pending, deviceID)
	p.state.pairMu.Unlock()

	err := p.state.send(ctx, protocol.PairingReject{DeviceID: deviceID}, true)
	if err != nil && !errors.Is(err, ErrNotConnected) {
		return fmt.Errorf("send pairing reject: %w", err)
	}

	p.state.metrics.RecordPairingRequest(metrics.PairingRejected)
	p.logger.Info("pairing rejected", logging.KeyDeviceID, deviceID)
	return nil
}

// sanitizeLabel normalises a peer-supplied label for display and storage.
func sanitizeLabel(s, fallback string) string {
	s = norm.NFC.String(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)

	if utf8.RuneCountInString(s) > maxLabelRunes {
		s = strings.TrimSpace(string([]rune(s)[:maxLabelRunes]))
	}
	if s == "" {
		return fallback
	}
	return s
}
