// Package relay speaks to the relay daemon's websocket listener on behalf of
// a session. It only needs the lifecycle subset of the remote-desktop
// protocol: readiness, sync acknowledgement, display size, errors and
// disconnects.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/csai/lab-shell/internal/session"
)

const (
	Subprotocol = "guacamole"

	defaultHandshakeTimeout = 10 * time.Second
	writeTimeout            = 5 * time.Second
	closeGrace              = 250 * time.Millisecond
)

// Observer receives per-instruction callbacks. Used for metrics.
type Observer interface {
	InstructionReceived(opcode string)
}

type Dialer struct {
	ws       *websocket.Dialer
	logger   *slog.Logger
	observer Observer
}

type Option func(*Dialer)

func WithHandshakeTimeout(d time.Duration) Option {
	return func(dl *Dialer) { dl.ws.HandshakeTimeout = d }
}

func WithObserver(o Observer) Option {
	return func(dl *Dialer) { dl.observer = o }
}

func NewDialer(logger *slog.Logger, opts ...Option) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dialer{
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
			Subprotocols:     []string{Subprotocol},
		},
		logger: logger,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dial opens the websocket and starts the read loop. A rejected upgrade is
// classified by its HTTP status.
func (d *Dialer) Dial(ctx context.Context, endpoint string, notify func(session.Event)) (session.Transport, error) {
	conn, resp, err := d.ws.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			msg := resp.Status
			if len(body) > 0 {
				msg = fmt.Sprintf("%s: %s", resp.Status, body)
			}
			return nil, session.ClassifyHTTP(resp.StatusCode, msg)
		}
		return nil, &session.TransportError{Kind: session.FailureGeneric, Message: err.Error()}
	}
	c := &Conn{
		conn:     conn,
		notify:   notify,
		logger:   d.logger,
		observer: d.observer,
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Conn is one open relay connection.
type Conn struct {
	conn     *websocket.Conn
	notify   func(session.Event)
	logger   *slog.Logger
	observer Observer

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}

	tunnelID    string
	established bool
}

// Close never waits for the read loop, so it may run from inside notify.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace))
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) closing() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Send writes one instruction.
func (c *Conn) Send(in Instruction) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, []byte(in.Encode()))
}

func (c *Conn) emit(ev session.Event) {
	if c.closing() {
		return
	}
	c.notify(ev)
}

func (c *Conn) readLoop() {
	var pending string
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closing() {
				c.logger.Debug("relay_read_ended", slog.String("error", err.Error()))
				c.emit(session.Event{Kind: session.EventClosed})
				_ = c.Close()
			}
			return
		}
		ins, rest, err := parseInstructions(pending + string(data))
		pending = rest
		for _, in := range ins {
			if !c.handle(in) {
				_ = c.Close()
				return
			}
		}
		if err != nil {
			c.emit(session.Event{Kind: session.EventFailed, Err: &session.TransportError{Kind: session.FailureGeneric, Message: err.Error()}})
			_ = c.Close()
			return
		}
	}
}

// handle returns false once the connection should stop.
func (c *Conn) handle(in Instruction) bool {
	if c.observer != nil {
		c.observer.InstructionReceived(in.Opcode)
	}
	switch in.Opcode {
	case "":
		if len(in.Args) > 0 {
			c.tunnelID = in.Args[0]
			c.logger.Debug("relay_tunnel_opened", slog.String("tunnel_id", c.tunnelID))
		}
	case "sync":
		if len(in.Args) > 0 {
			if err := c.Send(Instruction{Opcode: "sync", Args: in.Args[:1]}); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				c.logger.Debug("relay_sync_ack_failed", slog.String("error", err.Error()))
			}
		}
		if !c.established {
			c.established = true
			c.emit(session.Event{Kind: session.EventEstablished})
		}
	case "size":
		if len(in.Args) < 3 || in.Args[0] != "0" {
			return true
		}
		w, errW := strconv.Atoi(in.Args[1])
		h, errH := strconv.Atoi(in.Args[2])
		if errW == nil && errH == nil {
			c.emit(session.Event{Kind: session.EventDisplaySize, Size: session.Size{Width: w, Height: h}})
		}
	case "error":
		var msg string
		code := 0
		if len(in.Args) > 0 {
			msg = in.Args[0]
		}
		if len(in.Args) > 1 {
			code, _ = strconv.Atoi(in.Args[1])
		}
		c.emit(session.Event{Kind: session.EventFailed, Err: session.Classify(code, msg)})
		return false
	case "disconnect":
		c.emit(session.Event{Kind: session.EventClosed})
		return false
	}
	return true
}
