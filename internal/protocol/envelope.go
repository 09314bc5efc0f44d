// Package protocol defines the JSON messages exchanged with the relay server.
//
// On the wire every message is a flat JSON object tagged by "t". Inside the
// process each direction is a closed set of Go types: Inbound for what the
// relay delivers to the host, Outbound for what the host sends. The flat
// envelope struct never leaves this package.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope tags.
const (
	TypeHostHello      = "host_hello"
	TypeHostOK         = "host_ok"
	TypePairingRequest = "pairing_request"
	TypePairingAccept  = "pairing_accept"
	TypePairingReject  = "pairing_reject"
	TypeFrame          = "frame"
	TypeError          = "error"
	TypePong           = "pong"
)

// Defaults applied to pairing requests that omit descriptive fields.
const (
	DefaultDeviceName = "Unknown"
	DefaultBrowser    = "Browser"
)

var (
	// ErrUnknownType is returned for a tag this side does not accept.
	ErrUnknownType = errors.New("unknown message type")

	// ErrMissingField is returned when a required field is absent.
	ErrMissingField = errors.New("missing required field")
)

// envelope is the flat wire shape shared by every message.
type envelope struct {
	T               string `json:"t"`
	HostID          string `json:"host_id,omitempty"`
	DeviceID        string `json:"device_id,omitempty"`
	Code            string `json:"code,omitempty"`
	DeviceName      string `json:"device_name,omitempty"`
	Browser         string `json:"browser,omitempty"`
	EncryptedSecret string `json:"encrypted_secret,omitempty"`
	Nonce           string `json:"nonce,omitempty"`
	Box             string `json:"box,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Inbound is a message the relay delivers to the host.
type Inbound interface {
	Type() string
	isInbound()
}

// Outbound is a message the host sends to the relay.
type Outbound interface {
	Type() string
	isOutbound()
}

// HostOK confirms the host registration.
type HostOK struct{}

// PairingRequest is a device asking to pair using the displayed code.
type PairingRequest struct {
	DeviceID   string
	Code       string
	DeviceName string
	Browser    string
}

// Frame carries one encrypted command between a device and the host.
// It travels in both directions.
type Frame struct {
	DeviceID string
	Nonce    string
	Box      string
}

// ServerError is an error reported by the relay.
type ServerError struct {
	Message string
}

// Pong answers an application-level ping.
type Pong struct{}

// HostHello announces the host after dialing.
type HostHello struct {
	HostID string
}

// PairingAccept delivers the new device secret, obfuscated with the pairing code.
type PairingAccept struct {
	DeviceID        string
	EncryptedSecret string
}

// PairingReject tells a device its pairing attempt was refused.
type PairingReject struct {
	DeviceID string
}

func (HostOK) Type() string         { return TypeHostOK }
func (PairingRequest) Type() string { return TypePairingRequest }
func (Frame) Type() string          { return TypeFrame }
func (ServerError) Type() string    { return TypeError }
func (Pong) Type() string           { return TypePong }
func (HostHello) Type() string      { return TypeHostHello }
func (PairingAccept) Type() string  { return TypePairingAccept }
func (PairingReject) Type() string  { return TypePairingReject }

func (HostOK) isInbound()         {}
func (PairingRequest) isInbound() {}
func (Frame) isInbound()          {}
func (ServerError) isInbound()    {}
func (Pong) isInbound()           {}

func (HostHello) isOutbound()     {}
func (PairingAccept) isOutbound() {}
func (PairingReject) isOutbound() {}
func (Frame) isOutbound()         {}

// DecodeInbound parses a message received from the relay.
func DecodeInbound(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.T {
	case TypeHostOK:
		return HostOK{}, nil

	case TypePairingRequest:
		if env.DeviceID == "" {
			return nil, fmt.Errorf("%w: %s.device_id", ErrMissingField, env.T)
		}
		req := PairingRequest{
			DeviceID:   env.DeviceID,
			Code:       env.Code,
			DeviceName: env.DeviceName,
			Browser:    env.Browser,
		}
		if req.DeviceName == "" {
			req.DeviceName = DefaultDeviceName
		}
		if req.Browser == "" {
			req.Browser = DefaultBrowser
		}
		return req, nil

	case TypeFrame:
		f, err := frameFromEnvelope(env)
		if err != nil {
			return nil, err
		}
		return f, nil

	case TypeError:
		return ServerError{Message: env.Error}, nil

	case TypePong:
		return Pong{}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.T)
	}
}

// EncodeOutbound renders a host message for the relay.
func EncodeOutbound(msg Outbound) ([]byte, error) {
	var env envelope

	switch m := msg.(type) {
	case HostHello:
		env = envelope{T: TypeHostHello, HostID: m.HostID}
	case PairingAccept:
		env = envelope{T: TypePairingAccept, DeviceID: m.DeviceID, EncryptedSecret: m.EncryptedSecret}
	case PairingReject:
		env = envelope{T: TypePairingReject, DeviceID: m.DeviceID}
	case Frame:
		env = envelope{T: TypeFrame, DeviceID: m.DeviceID, Nonce: m.Nonce, Box: m.Box}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, msg)
	}

	return json.Marshal(env)
}

// DecodeOutbound parses a host message. The relay side and tests use it.
func DecodeOutbound(data []byte) (Outbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.T {
	case TypeHostHello:
		if env.HostID == "" {
			return nil, fmt.Errorf("%w: host_hello.host_id", ErrMissingField)
		}
		return HostHello{HostID: env.HostID}, nil
	case TypePairingAccept:
		if env.DeviceID == "" || env.EncryptedSecret == "" {
			return nil, fmt.Errorf("%w: pairing_accept", ErrMissingField)
		}
		return PairingAccept{DeviceID: env.DeviceID, EncryptedSecret: env.EncryptedSecret}, nil
	case TypePairingReject:
		return PairingReject{DeviceID: env.DeviceID}, nil
	case TypeFrame:
		f, err := frameFromEnvelope(env)
		if err != nil {
			return nil, err
		}
		return f, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.T)
	}
}

// EncodeInbound renders a relay message. The relay side and tests use it.
func EncodeInbound(msg Inbound) ([]byte, error) {
	var env envelope

	switch m := msg.(type) {
	case HostOK:
		env = envelope{T: TypeHostOK}
	case PairingRequest:
		env = envelope{T: TypePairingRequest, DeviceID: m.DeviceID, Code: m.Code, DeviceName: m.DeviceName, Browser: m.Browser}
	case Frame:
		env = envelope{T: TypeFrame, DeviceID: m.DeviceID, Nonce: m.Nonce, Box: m.Box}
	case ServerError:
		env = envelope{T: TypeError, Error: m.Message}
	case Pong:
		env = envelope{T: TypePong}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, msg)
	}

	return json.Marshal(env)
}

func frameFromEnvelope(env envelope) (Frame, error) {
	if env.DeviceID == "" {
		return Frame{}, fmt.Errorf("%w: frame.device_id", ErrMissingField)
	}
	return Frame{DeviceID: env.DeviceID, Nonce: env.Nonce, Box: env.Box}, nil
}
