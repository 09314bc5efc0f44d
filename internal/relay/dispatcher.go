package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/comine-app/comine-relay/internal/crypto"
	"github.com/comine-app/comine-relay/internal/events"
	"github.com/comine-app/comine-relay/internal/logging"
	"github.com/comine-app/comine-relay/internal/metrics"
	"github.com/comine-app/comine-relay/internal/protocol"
)

// Dispatcher decrypts frames from paired devices and turns their commands
// into local events and acknowledgements.
type Dispatcher struct {
	state  *State
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewDispatcher creates a dispatcher over state.
func NewDispatcher(state *State) *Dispatcher {
	return &Dispatcher{
		state:  state,
		logger: state.logger,
		now:    time.Now,
		newID:  func() string { return "relay-" + uuid.NewString() },
	}
}

// HandleFrame processes one inbound frame. Frames from unknown devices,
// frames that fail to decrypt and malformed commands are logged and
// dropped without a reply.
func (d *Dispatcher) HandleFrame(ctx context.Context, frame protocol.Frame) {
	m := d.state.metrics
	reg := d.state.registry

	key, err := reg.Secret(frame.DeviceID)
	if err != nil {
		m.RecordFrameDropped(metrics.DropUnknownDevice)
		d.logger.Warn("frame from unknown device", logging.KeyDeviceID, frame.DeviceID, logging.KeyError, err)
		return
	}

	plaintext, err := crypto.DecryptFrame(key, frame.Nonce, frame.Box)
	if err != nil {
		m.RecordFrameDropped(metrics.DropDecrypt)
		d.logger.Warn("frame decryption failed", logging.KeyDeviceID, frame.DeviceID, logging.KeyError, err)
		return
	}

	cmd, err := protocol.DecodeCommand(plaintext)
	if err != nil {
		m.RecordFrameDropped(metrics.DropMalformed)
		d.logger.Warn("malformed command", logging.KeyDeviceID, frame.DeviceID, logging.KeyError, err)
		return
	}

	m.RecordCommand(cmd.CommandType())
	d.logger.Debug("command received",
		logging.KeyDeviceID, frame.DeviceID,
		logging.KeyType, cmd.CommandType(),
		logging.KeyCmdID, cmd.ID())

	isCommand := false
	switch cmd.(type) {
	case protocol.Download, protocol.Cancel:
		isCommand = true
	}
	if reg.Touch(frame.DeviceID, d.now(), isCommand) {
		if err := reg.Save(); err != nil {
			d.logger.Error("failed to save devices", logging.KeyError, err)
		}
	}

	switch c := cmd.(type) {
	case protocol.Probe:
		d.ack(ctx, frame.DeviceID, key, protocol.Ack{CmdID: c.CmdID, Success: true})

	case protocol.Download:
		id := c.CmdID
		if id == "" {
			id = d.newID()
		}
		d.logger.Info("download requested",
			logging.KeyDeviceID, frame.DeviceID,
			logging.KeyCmdID, id,
			logging.KeyURL, c.URL)
		delivered := d.state.events.Publish(events.DownloadRequest{
			ID:        id,
			URL:       c.URL,
			Title:     c.Title,
			Thumbnail: c.Thumbnail,
			OpenApp:   c.OpenApp,
			DeviceID:  frame.DeviceID,
			FromRelay: true,
		})
		d.ackDelivery(ctx, frame.DeviceID, key, c.CmdID, delivered)

	case protocol.Cancel:
		id := c.CmdID
		if id == "" {
			id = d.newID()
		}
		d.logger.Info("cancel requested",
			logging.KeyDeviceID, frame.DeviceID,
			logging.KeyCmdID, id,
			logging.KeyURL, c.URL)
		delivered := d.state.events.Publish(events.CancelRequest{
			ID:        id,
			URL:       c.URL,
			DeviceID:  frame.DeviceID,
			FromRelay: true,
		})
		d.ackDelivery(ctx, frame.DeviceID, key, c.CmdID, delivered)

	case protocol.Ack:
		// Acks flow host to device only.
	}
}

// ackDelivery acks a forwarded command, failing it when the download
// engine did not take the event.
func (d *Dispatcher) ackDelivery(ctx context.Context, deviceID string, key crypto.Secret, cmdID string, delivered bool) {
	if delivered {
		d.ack(ctx, deviceID, key, protocol.Ack{CmdID: cmdID, Success: true})
		return
	}
	d.logger.Warn("download engine busy, command not delivered", logging.KeyDeviceID, deviceID, logging.KeyCmdID, cmdID)
	d.ack(ctx, deviceID, key, protocol.Ack{CmdID: cmdID, Error: ErrEngineBusy.Error()})
}

// ack queues an acknowledgement. Commands without an id cannot be
// correlated by the device and get no ack.
func (d *Dispatcher) ack(ctx context.Context, deviceID string, key crypto.Secret, a protocol.Ack) {
	cmdID := a.CmdID
	if cmdID == "" {
		return
	}

	plaintext, err := protocol.EncodeCommand(a)
	if err != nil {
		d.logger.Error("failed to encode ack", logging.KeyError, err)
		return
	}
	nonce, box, err := crypto.EncryptFrame(key, plaintext)
	if err != nil {
		d.logger.Error("failed to encrypt ack", logging.KeyError, err)
		return
	}

	err = d.state.send(ctx, protocol.Frame{DeviceID: deviceID, Nonce: nonce, Box: box}, false)
	switch {
	case err == nil:
	case errors.Is(err, ErrQueueFull):
		d.state.metrics.RecordFrameDropped(metrics.DropQueueFull)
		d.logger.Warn("outbound queue full, ack dropped", logging.KeyDeviceID, deviceID, logging.KeyCmdID, cmdID)
	default:
		d.logger.Debug("ack not sent", logging.KeyDeviceID, deviceID, logging.KeyCmdID, cmdID, logging.KeyError, err)
	}
}
