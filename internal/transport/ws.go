package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"nhooyr.io/websocket"
)

const defaultReadLimit = 1 << 20 // 1 MB, envelopes are small

// WebSocketDialer dials the relay over WebSocket.
type WebSocketDialer struct {
	opts       DialOptions
	httpClient *http.Client
}

// NewWebSocketDialer creates a dialer. An invalid proxy URL is an error.
func NewWebSocketDialer(opts DialOptions) (*WebSocketDialer, error) {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}

	httpClient, err := buildHTTPClient(opts)
	if err != nil {
		return nil, err
	}

	return &WebSocketDialer{opts: opts, httpClient: httpClient}, nil
}

// Dial connects to the relay at rawURL.
func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	if err := ValidateRelayURL(rawURL); err != nil {
		return nil, err
	}

	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}

	dialOpts := &websocket.DialOptions{
		HTTPClient: d.httpClient,
	}
	if d.opts.UserAgent != "" {
		dialOpts.HTTPHeader = http.Header{"User-Agent": []string{d.opts.UserAgent}}
	}

	conn, _, err := websocket.Dial(ctx, rawURL, dialOpts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	conn.SetReadLimit(d.opts.ReadLimit)

	return &wsConn{conn: conn}, nil
}

// wsConn adapts a websocket connection to Conn. Control frames such as
// ping are answered by the library while a Read is pending.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
		// Binary messages are not part of the protocol.
	}
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *wsConn) CloseNow() error {
	return c.conn.CloseNow()
}

// buildHTTPClient creates the client used for the upgrade request. The
// client has no overall timeout because it also carries the upgraded
// connection.
func buildHTTPClient(opts DialOptions) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	if opts.ProxyURL != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{Transport: transport}, nil
}
