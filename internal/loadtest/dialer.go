package loadtest

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one synthetic connection opened by a load test.
type Conn interface {
	Send(payload []byte) error
	Close() error
}

// Dialer opens synthetic connections against the fleet under test.
type Dialer interface {
	Dial(ctx context.Context, connID string) (Conn, error)
}

// WebsocketDialer is the default Dialer, opening websocket connections
// against a configured endpoint.
type WebsocketDialer struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
}

// NewWebsocketDialer creates a websocket dialer for the given endpoint URL.
func NewWebsocketDialer(url string) *WebsocketDialer {
	return &WebsocketDialer{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Dial opens one websocket connection. The synthetic connection ID travels
// in a header so the transport can exclude it from production accounting.
func (d *WebsocketDialer) Dial(ctx context.Context, connID string) (Conn, error) {
	hdr := http.Header{}
	for k, v := range d.header {
		hdr[k] = v
	}
	hdr.Set("X-Synthetic-Connection", connID)

	ws, _, err := d.dialer.DialContext(ctx, d.url, hdr)
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Send(payload []byte) error {
	return c.ws.WriteMessage(websocket.BinaryMessage, payload)
}

func (c *wsConn) Close() error {
	// Best-effort close handshake; the deadline keeps shutdown bounded.
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}
