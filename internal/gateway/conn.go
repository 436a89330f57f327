package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/agentoven/brigade/pkg/models"
	"github.com/gorilla/websocket"
)

// Conn is one live connection to the execution engine. Exchange sends a
// single request and waits for its reply; the gateway never calls it
// concurrently.
type Conn interface {
	Exchange(req models.EngineRequest, deadline time.Time) (*models.EngineResponse, error)
	Close() error
}

// Dialer opens a new engine connection.
type Dialer func(ctx context.Context) (Conn, error)

// errDeadline marks an exchange that ran past its deadline.
var errDeadline = errors.New("engine did not respond before the deadline")

// NewDialer returns a Dialer for endpoint. Supported schemes are tcp://
// (newline-delimited JSON frames) and ws:// or wss://.
func NewDialer(endpoint string, dialTimeout time.Duration) (Dialer, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse engine endpoint: %w", err)
	}
	switch u.Scheme {
	case "tcp", "":
		addr := u.Host
		if addr == "" {
			addr = endpoint
		}
		return func(ctx context.Context) (Conn, error) {
			d := net.Dialer{Timeout: dialTimeout}
			nc, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return nil, err
			}
			return newStreamConn(nc), nil
		}, nil
	case "ws", "wss":
		return func(ctx context.Context) (Conn, error) {
			d := websocket.Dialer{HandshakeTimeout: dialTimeout}
			wc, _, err := d.DialContext(ctx, endpoint, nil)
			if err != nil {
				return nil, err
			}
			return &wsConn{conn: wc}, nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported engine scheme %q", u.Scheme)
	}
}

// streamConn frames requests as one JSON document per line. Replies are
// decoded as a JSON stream, so engines that omit the trailing newline work
// too.
type streamConn struct {
	nc  net.Conn
	enc *json.Encoder
	dec *json.Decoder
}

func newStreamConn(nc net.Conn) *streamConn {
	return &streamConn{
		nc:  nc,
		enc: json.NewEncoder(nc),
		dec: json.NewDecoder(bufio.NewReader(nc)),
	}
}

func (c *streamConn) Exchange(req models.EngineRequest, deadline time.Time) (*models.EngineResponse, error) {
	if err := c.nc.SetDeadline(deadline); err != nil {
		return nil, err
	}
	if err := c.enc.Encode(req); err != nil {
		return nil, netErr("send", err)
	}
	var resp models.EngineResponse
	if err := c.dec.Decode(&resp); err != nil {
		return nil, netErr("receive", err)
	}
	return &resp, nil
}

func (c *streamConn) Close() error { return c.nc.Close() }

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Exchange(req models.EngineRequest, deadline time.Time) (*models.EngineResponse, error) {
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(req); err != nil {
		return nil, netErr("send", err)
	}
	_ = c.conn.SetReadDeadline(deadline)
	var resp models.EngineResponse
	if err := c.conn.ReadJSON(&resp); err != nil {
		return nil, netErr("receive", err)
	}
	return &resp, nil
}

func (c *wsConn) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}

func netErr(op string, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%s: %w", op, errDeadline)
	}
	return fmt.Errorf("%s: %w", op, err)
}
