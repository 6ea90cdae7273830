package rtsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ============================================================================
// Wire format
// ============================================================================

// Frame is the envelope of every message: T is "d" for data and "c" for
// control.
type Frame struct {
	T string          `json:"t"`
	D json.RawMessage `json:"d"`
}

const (
	FrameData    = "d"
	FrameControl = "c"
)

// Control is the body of a control frame.
type Control struct {
	T string          `json:"t"`
	D json.RawMessage `json:"d,omitempty"`
}

const (
	ControlHandshake = "h"
	ControlShutdown  = "s"
	ControlReset     = "r"
	ControlError     = "e"
	ControlPing      = "p"
	ControlPong      = "o"
)

// Handshake is the first control message a server sends.
type Handshake struct {
	TS int64  `json:"ts"`
	V  string `json:"v"`
	H  string `json:"h"`
	S  string `json:"s"`
}

// Message is the body of a data frame. A request has R and A, a response
// has only R, and a server push has only A.
type Message struct {
	R int64           `json:"r,omitempty"`
	A string          `json:"a,omitempty"`
	B json.RawMessage `json:"b,omitempty"`
}

// Request actions.
const (
	ActionListen             = "q"
	ActionUnlisten           = "n"
	ActionPut                = "p"
	ActionMerge              = "m"
	ActionOnDisconnectPut    = "o"
	ActionOnDisconnectMerge  = "om"
	ActionOnDisconnectCancel = "oc"
	ActionAuth               = "auth"
	ActionUnauth             = "unauth"
	ActionStats              = "s"
)

// Server push actions.
const (
	PushData          = "d"
	PushMerge         = "m"
	PushListenRevoked = "c"
	PushAuthRevoked   = "ac"
	PushSecurityDebug = "sd"
)

// Response is the body of a response message.
type Response struct {
	S string          `json:"s"`
	D json.RawMessage `json:"d,omitempty"`
}

// ListenRequest is the body of q and n requests.
type ListenRequest struct {
	P string         `json:"p"`
	Q map[string]any `json:"q,omitempty"`
	T int64          `json:"t,omitempty"`
	H string         `json:"h,omitempty"`
}

// WriteRequest is the body of put, merge and onDisconnect requests.
type WriteRequest struct {
	P string `json:"p"`
	D any    `json:"d"`
}

// AuthRequest is the body of an auth request.
type AuthRequest struct {
	Cred string `json:"cred"`
}

// DataPush is the body of d and m pushes.
type DataPush struct {
	P string          `json:"p"`
	D json.RawMessage `json:"d"`
	T int64           `json:"t,omitempty"`
}

// RevokedPush is the body of c and ac pushes.
type RevokedPush struct {
	P string `json:"p,omitempty"`
	S string `json:"s,omitempty"`
	D string `json:"d,omitempty"`
}

// EncodeData builds a data frame.
func EncodeData(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return json.Marshal(Frame{T: FrameData, D: body})
}

// EncodeControl builds a control frame.
func EncodeControl(t string, d any) ([]byte, error) {
	c := Control{T: t}
	if d != nil {
		raw, err := json.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("encode control %s: %w", t, err)
		}
		c.D = raw
	}
	body, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode control %s: %w", t, err)
	}
	return json.Marshal(Frame{T: FrameControl, D: body})
}

// ============================================================================
// connection
// ============================================================================

// connectionHandler receives what one connection sees. Every method runs
// on the event loop.
type connectionHandler interface {
	onConnectionReady(c *connection, hs Handshake)
	onConnectionMessage(c *connection, m Message)
	onConnectionKill(c *connection, reason string)
	onConnectionReset(c *connection, host string)
	onConnectionClosed(c *connection, err error, beforeHandshake bool)
}

type connState int

const (
	connConnecting connState = iota
	connConnected
	connClosed
)

// connection is a single attempt to talk to the server over one transport.
// It never reconnects; PersistentConnection creates a new one instead.
type connection struct {
	id      string
	kind    string
	loop    *eventLoop
	handler connectionHandler
	logger  *slog.Logger
	cfg     *Config

	state     connState
	sessionID string

	ctx      context.Context
	cancel   context.CancelFunc
	lastRecv atomic.Int64

	outMu  sync.Mutex
	out    [][]byte
	outSig chan struct{}
}

func newConnection(id, kind string, loop *eventLoop, handler connectionHandler, cfg *Config, logger *slog.Logger) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		id:      id,
		kind:    kind,
		loop:    loop,
		handler: handler,
		cfg:     cfg,
		logger:  logger.With("conn", id, "transport", kind),
		ctx:     ctx,
		cancel:  cancel,
		outSig:  make(chan struct{}, 1),
	}
}

// open dials in the background. info is a copy taken on the loop.
func (c *connection) open(info RepoInfo, lastSessionID string) {
	c.logger.Debug("opening connection")
	timeout := time.AfterFunc(c.cfg.ConnectTimeout, func() {
		c.loop.post(func() {
			if c.state == connConnecting {
				c.closeWithError(&TransportError{Transport: c.kind, Err: fmt.Errorf("no handshake within %s", c.cfg.ConnectTimeout)})
			}
		})
	})
	go func() {
		defer timeout.Stop()
		tr, err := c.cfg.TransportFactory(c.kind, &info, lastSessionID)
		if err == nil {
			err = tr.Open(c.ctx)
		}
		if err != nil {
			c.loop.post(func() { c.finish(err) })
			return
		}
		defer tr.Close()
		c.lastRecv.Store(time.Now().UnixNano())
		go c.writeLoop(tr)
		go c.pingLoop()
		for {
			data, err := tr.Receive(c.ctx)
			if err != nil {
				c.loop.post(func() { c.finish(err) })
				return
			}
			c.lastRecv.Store(time.Now().UnixNano())
			c.loop.post(func() { c.handleFrame(data) })
		}
	}()
}

func (c *connection) writeLoop(tr Transport) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.outSig:
		}
		c.outMu.Lock()
		batch := c.out
		c.out = nil
		c.outMu.Unlock()
		for _, frame := range batch {
			if err := tr.Send(c.ctx, frame); err != nil {
				if c.ctx.Err() == nil {
					c.logger.Debug("send failed", "err", err)
					c.cancel()
				}
				return
			}
		}
	}
}

// pingLoop keeps the connection alive and closes it when the server has
// been silent for two intervals.
func (c *connection) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, c.lastRecv.Load()))
			if idle > 2*c.cfg.PingInterval {
				c.loop.post(func() {
					c.closeWithError(&TransportError{Transport: c.kind, Err: fmt.Errorf("no data for %s", idle.Round(time.Millisecond))})
				})
				return
			}
			c.loop.post(func() { c.sendControl(ControlPing, map[string]any{}) })
		}
	}
}

func (c *connection) enqueue(frame []byte) {
	c.outMu.Lock()
	c.out = append(c.out, frame)
	c.outMu.Unlock()
	select {
	case c.outSig <- struct{}{}:
	default:
	}
}

// sendData queues a data message. It is a no-op once closed.
func (c *connection) sendData(m Message) {
	if c.state == connClosed {
		return
	}
	frame, err := EncodeData(m)
	if err != nil {
		c.logger.Error("dropping unencodable message", "action", m.A, "err", err)
		return
	}
	c.logger.Debug("send", "r", m.R, "a", m.A)
	c.enqueue(frame)
}

func (c *connection) sendControl(t string, d any) {
	if c.state == connClosed {
		return
	}
	frame, err := EncodeControl(t, d)
	if err != nil {
		c.logger.Error("dropping unencodable control", "t", t, "err", err)
		return
	}
	c.enqueue(frame)
}

func (c *connection) handleFrame(data []byte) {
	if c.state == connClosed {
		return
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.protocolError(fmt.Sprintf("undecodable frame: %v", err))
		return
	}
	switch f.T {
	case FrameControl:
		var ctl Control
		if err := json.Unmarshal(f.D, &ctl); err != nil {
			c.protocolError(fmt.Sprintf("undecodable control: %v", err))
			return
		}
		c.handleControl(ctl)
	case FrameData:
		if c.state != connConnected {
			c.protocolError("data before handshake")
			return
		}
		var m Message
		if err := json.Unmarshal(f.D, &m); err != nil {
			c.protocolError(fmt.Sprintf("undecodable message: %v", err))
			return
		}
		c.logger.Debug("receive", "r", m.R, "a", m.A)
		c.handler.onConnectionMessage(c, m)
	default:
		c.protocolError(fmt.Sprintf("unknown frame type %q", f.T))
	}
}

func (c *connection) handleControl(ctl Control) {
	switch ctl.T {
	case ControlHandshake:
		var hs Handshake
		if err := json.Unmarshal(ctl.D, &hs); err != nil {
			c.protocolError(fmt.Sprintf("bad handshake: %v", err))
			return
		}
		if c.state != connConnecting {
			return
		}
		if hs.V != ProtocolVersion {
			c.logger.Warn("protocol version mismatch", "server", hs.V, "client", ProtocolVersion)
		}
		c.state = connConnected
		c.sessionID = hs.S
		c.handler.onConnectionReady(c, hs)
	case ControlShutdown:
		var reason string
		_ = json.Unmarshal(ctl.D, &reason)
		c.logger.Warn("connection shut down by server", "reason", reason)
		c.handler.onConnectionKill(c, reason)
		c.close()
	case ControlReset:
		var host string
		_ = json.Unmarshal(ctl.D, &host)
		c.logger.Info("server asked to reconnect", "host", host)
		c.handler.onConnectionReset(c, host)
		c.close()
	case ControlError:
		c.logger.Warn("server error", "error", string(ctl.D))
	case ControlPing:
		c.sendControl(ControlPong, map[string]any{})
	case ControlPong:
	default:
		c.logger.Debug("unknown control message", "t", ctl.T)
	}
}

func (c *connection) protocolError(msg string) {
	c.closeWithError(&ProtocolError{Message: msg})
}

func (c *connection) close() { c.finish(nil) }

func (c *connection) closeWithError(err error) { c.finish(err) }

// finish tears the connection down and reports it once.
func (c *connection) finish(err error) {
	if c.state == connClosed {
		return
	}
	beforeHandshake := c.state == connConnecting
	c.state = connClosed
	c.cancel()
	if err != nil {
		c.logger.Info("connection closed", "err", err)
	} else {
		c.logger.Debug("connection closed")
	}
	c.handler.onConnectionClosed(c, err, beforeHandshake)
}
