package protocol

import (
	"encoding/json"
	"fmt"
)

// Inner command types carried inside an encrypted frame.
const (
	CommandProbe    = "probe"
	CommandDownload = "download"
	CommandCancel   = "cancel"
	CommandAck      = "ack"
)

// command is the flat JSON shape of a decrypted frame payload.
type command struct {
	Type      string `json:"type"`
	CmdID     string `json:"cmd_id,omitempty"`
	URL       string `json:"url,omitempty"`
	Title     string `json:"title,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
	OpenApp   *bool  `json:"openApp,omitempty"`
	Success   *bool  `json:"success,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Command is the plaintext payload of a frame.
type Command interface {
	CommandType() string
	// ID returns the correlation id, empty when the sender did not supply one.
	ID() string
}

// Probe checks that the host can decrypt and answer.
type Probe struct {
	CmdID string
}

// Download asks the host to start downloading URL.
type Download struct {
	CmdID     string
	URL       string
	Title     string
	Thumbnail string
	OpenApp   bool
}

// Cancel asks the host to stop the download of URL.
type Cancel struct {
	CmdID string
	URL   string
}

// Ack answers a command.
type Ack struct {
	CmdID   string
	Success bool
	Error   string
}

func (Probe) CommandType() string    { return CommandProbe }
func (Download) CommandType() string { return CommandDownload }
func (Cancel) CommandType() string   { return CommandCancel }
func (Ack) CommandType() string      { return CommandAck }

func (c Probe) ID() string    { return c.CmdID }
func (c Download) ID() string { return c.CmdID }
func (c Cancel) ID() string   { return c.CmdID }
func (c Ack) ID() string      { return c.CmdID }

// DecodeCommand parses a decrypted frame payload.
func DecodeCommand(data []byte) (Command, error) {
	var c command
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}

	switch c.Type {
	case CommandProbe:
		return Probe{CmdID: c.CmdID}, nil

	case CommandDownload:
		if c.URL == "" {
			return nil, fmt.Errorf("%w: download.url", ErrMissingField)
		}
		d := Download{
			CmdID:     c.CmdID,
			URL:       c.URL,
			Title:     c.Title,
			Thumbnail: c.Thumbnail,
		}
		if c.OpenApp != nil {
			d.OpenApp = *c.OpenApp
		}
		return d, nil

	case CommandCancel:
		if c.URL == "" {
			return nil, fmt.Errorf("%w: cancel.url", ErrMissingField)
		}
		return Cancel{CmdID: c.CmdID, URL: c.URL}, nil

	case CommandAck:
		a := Ack{CmdID: c.CmdID, Error: c.Error}
		if c.Success != nil {
			a.Success = *c.Success
		}
		return a, nil

	default:
		return nil, fmt.Errorf("%w: command %q", ErrUnknownType, c.Type)
	}
}

// EncodeCommand renders a command as frame plaintext.
func EncodeCommand(cmd Command) ([]byte, error) {
	var c command

	switch m := cmd.(type) {
	case Probe:
		c = command{Type: CommandProbe, CmdID: m.CmdID}
	case Download:
		openApp := m.OpenApp
		c = command{
			Type:      CommandDownload,
			CmdID:     m.CmdID,
			URL:       m.URL,
			Title:     m.Title,
			Thumbnail: m.Thumbnail,
			OpenApp:   &openApp,
		}
	case Cancel:
		c = command{Type: CommandCancel, CmdID: m.CmdID, URL: m.URL}
	case Ack:
		success := m.Success
		c = command{Type: CommandAck, CmdID: m.CmdID, Success: &success, Error: m.Error}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, cmd)
	}

	return json.Marshal(c)
}
