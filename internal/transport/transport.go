// Package transport provides the client connection to the relay server.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrInvalidURL is returned for relay URLs that are not ws:// or wss://.
var ErrInvalidURL = errors.New("invalid relay url")

// Dialer opens connections to the relay.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is a message-oriented connection to the relay. Every message is one
// JSON text frame.
type Conn interface {
	// Read blocks until the next text message arrives.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one text message.
	Write(ctx context.Context, data []byte) error

	// Close performs the closing handshake.
	Close() error

	// CloseNow drops the connection without a handshake.
	CloseNow() error
}

// DialOptions configures a relay dialer.
type DialOptions struct {
	// Timeout bounds the opening handshake.
	Timeout time.Duration

	// ReadLimit is the largest accepted message in bytes.
	ReadLimit int64

	// ProxyURL is an optional HTTP proxy for the upgrade request.
	ProxyURL string

	// UserAgent is sent with the upgrade request.
	UserAgent string
}

// DefaultDialOptions returns sensible defaults.
func DefaultDialOptions() DialOptions {
	return DialOptions{
		Timeout:   10 * time.Second,
		ReadLimit: defaultReadLimit,
	}
}

// ValidateRelayURL checks that raw is an absolute ws:// or wss:// URL.
func ValidateRelayURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "ws://") && !strings.HasPrefix(raw, "wss://") {
		return fmt.Errorf("%w: scheme must be ws:// or wss://", ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return nil
}
