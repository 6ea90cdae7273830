package rtsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// serverHandler is the Repo side of a PersistentConnection. Every method
// runs on the event loop.
type serverHandler interface {
	onDataUpdate(p Path, data any, isMerge bool, tag int64)
	onConnectStatus(connected bool)
	onServerInfoUpdate(updates map[string]any)
}

// Interrupt reasons.
const (
	interruptOffline    = "repo_interrupt"
	interruptServerKill = "server_kill"
	interruptClosed     = "closed"
)

type outstandingListen struct {
	query      querySpec
	tag        int64
	hash       func() string
	onComplete func(status string)
}

type outstandingPut struct {
	writeID    int64
	action     string
	path       Path
	data       any
	onComplete func(status, reason string)
}

type onDisconnectRequest struct {
	action     string
	path       Path
	data       any
	onComplete func(status, reason string)
}

// PersistentConnection keeps one logical session with the server across
// any number of physical connections. It remembers listens, unacknowledged
// writes and onDisconnect operations and replays them after every
// reconnect. All of its state is owned by the event loop.
type PersistentConnection struct {
	id         int64
	info       RepoInfo
	cfg        *Config
	loop       *eventLoop
	handler    serverHandler
	logger     *slog.Logger
	transports *TransportManager
	backoff    *reconnector

	interruptReasons map[string]bool
	listenKeys       map[string]*outstandingListen
	listens          []*outstandingListen
	puts             []*outstandingPut
	onDisconnects    []*onDisconnectRequest
	requests         map[int64]func(Response)
	requestNumber    int64

	conn            *connection
	connected       bool
	connSeq         int64
	firstConnection bool
	lastSessionID   string
	connectTimer    *time.Timer
	timerGen        int64

	authToken         string
	forceTokenRefresh bool
	invalidTokenCount int

	online      bool
	visible     bool
	unsubscribe []func()
	closed      bool
}

func newPersistentConnection(id int64, info RepoInfo, cfg *Config, loop *eventLoop, handler serverHandler) *PersistentConnection {
	return &PersistentConnection{
		id:               id,
		info:             info,
		cfg:              cfg,
		loop:             loop,
		handler:          handler,
		logger:           cfg.Logger.With("component", "conn", "pc", id),
		transports:       NewTransportManager(cfg.ForceTransport),
		backoff:          newReconnector(cfg),
		interruptReasons: make(map[string]bool),
		listenKeys:       make(map[string]*outstandingListen),
		requests:         make(map[int64]func(Response)),
		firstConnection:  true,
		online:           cfg.Online.Current(),
		visible:          cfg.Visible.Current(),
	}
}

// start subscribes to the monitors and schedules the first connect. It
// runs on the loop.
func (pc *PersistentConnection) start() {
	pc.unsubscribe = append(pc.unsubscribe,
		pc.cfg.Online.Subscribe(func(v bool) { pc.loop.post(func() { pc.onOnline(v) }) }),
		pc.cfg.Visible.Subscribe(func(v bool) { pc.loop.post(func() { pc.onVisible(v) }) }),
	)
	if n, ok := pc.cfg.Auth.(TokenChangeNotifier); ok {
		n.OnTokenChange(func(token string) { pc.loop.post(func() { pc.refreshAuthToken(token) }) })
	}
	pc.scheduleConnect(0)
}

// shutdown stops the connection for good.
func (pc *PersistentConnection) shutdown() {
	if pc.closed {
		return
	}
	pc.closed = true
	pc.interruptReasons[interruptClosed] = true
	for _, fn := range pc.unsubscribe {
		fn()
	}
	pc.stopTimer()
	if pc.conn != nil {
		pc.conn.close()
	}
}

// ============================================================================
// Listens
// ============================================================================

func (pc *PersistentConnection) listen(q querySpec, tag int64, hash func() string, onComplete func(status string)) {
	key := q.key()
	pc.logger.Debug("listen", "path", q.path.String(), "query", q.id(), "tag", tag)
	assertf(pc.listenKeys[key] == nil, "listen() called twice for same path/queryId")
	l := &outstandingListen{query: q, tag: tag, hash: hash, onComplete: onComplete}
	pc.listenKeys[key] = l
	pc.listens = append(pc.listens, l)
	if pc.connected {
		pc.sendListen(l)
	}
}

func (pc *PersistentConnection) unlisten(q querySpec, tag int64) {
	pc.logger.Debug("unlisten", "path", q.path.String(), "query", q.id(), "tag", tag)
	if pc.removeListen(q.key()) != nil && pc.connected {
		req := ListenRequest{P: q.path.String()}
		if tag != 0 {
			req.Q = q.params.WireObject()
			req.T = tag
		}
		pc.sendRequest(ActionUnlisten, req, nil)
	}
}

func (pc *PersistentConnection) removeListen(key string) *outstandingListen {
	l := pc.listenKeys[key]
	if l == nil {
		return nil
	}
	delete(pc.listenKeys, key)
	for i, o := range pc.listens {
		if o == l {
			pc.listens = append(pc.listens[:i:i], pc.listens[i+1:]...)
			break
		}
	}
	return l
}

func (pc *PersistentConnection) sendListen(l *outstandingListen) {
	req := ListenRequest{P: l.query.path.String(), H: l.hash()}
	if l.tag != 0 {
		req.Q = l.query.params.WireObject()
		req.T = l.tag
	}
	key := l.query.key()
	pc.sendRequest(ActionListen, req, func(resp Response) {
		if pc.listenKeys[key] != l {
			return
		}
		var body struct {
			W []string `json:"w"`
		}
		if json.Unmarshal(resp.D, &body) == nil {
			for _, w := range body.W {
				if w == "no_index" {
					pc.logger.Warn("using an unspecified index; consider adding an index on the server", "path", l.query.path.String())
				}
			}
		}
		if resp.S != statusOK {
			pc.removeListen(key)
		}
		l.onComplete(resp.S)
	})
}

// onListenRevoked cancels every listen at p.
func (pc *PersistentConnection) onListenRevoked(p Path) {
	pc.logger.Warn("listen revoked", "path", p.String())
	var revoked []*outstandingListen
	for _, l := range append([]*outstandingListen(nil), pc.listens...) {
		if l.query.path.Equal(p) {
			pc.removeListen(l.query.key())
			revoked = append(revoked, l)
		}
	}
	for _, l := range revoked {
		l.onComplete(statusPermissionDenied)
	}
}

// ============================================================================
// Writes
// ============================================================================

func (pc *PersistentConnection) put(writeID int64, p Path, data any, onComplete func(status, reason string)) {
	pc.putInternal(ActionPut, writeID, p, data, onComplete)
}

func (pc *PersistentConnection) merge(writeID int64, p Path, data map[string]any, onComplete func(status, reason string)) {
	pc.putInternal(ActionMerge, writeID, p, data, onComplete)
}

func (pc *PersistentConnection) putInternal(action string, writeID int64, p Path, data any, onComplete func(status, reason string)) {
	put := &outstandingPut{writeID: writeID, action: action, path: p, data: data, onComplete: onComplete}
	pc.puts = append(pc.puts, put)
	if pc.connected {
		pc.sendPut(put)
	} else {
		pc.logger.Debug("buffering put while offline", "path", p.String(), "write", writeID)
	}
}

func (pc *PersistentConnection) sendPut(put *outstandingPut) {
	pc.sendRequest(put.action, WriteRequest{P: put.path.String(), D: put.data}, func(resp Response) {
		if !pc.removePut(put) {
			return
		}
		if resp.S != statusOK {
			pc.logger.Warn("write rejected", "path", put.path.String(), "write", put.writeID, "status", resp.S)
		}
		if put.onComplete != nil {
			put.onComplete(resp.S, responseReason(resp))
		}
	})
}

func (pc *PersistentConnection) removePut(put *outstandingPut) bool {
	for i, o := range pc.puts {
		if o == put {
			pc.puts = append(pc.puts[:i:i], pc.puts[i+1:]...)
			return true
		}
	}
	return false
}

func (pc *PersistentConnection) onDisconnect(action string, p Path, data any, onComplete func(status, reason string)) {
	req := &onDisconnectRequest{action: action, path: p, data: data, onComplete: onComplete}
	if pc.connected {
		pc.sendOnDisconnect(req)
		return
	}
	pc.onDisconnects = append(pc.onDisconnects, req)
}

func (pc *PersistentConnection) sendOnDisconnect(req *onDisconnectRequest) {
	pc.sendRequest(req.action, WriteRequest{P: req.path.String(), D: req.data}, func(resp Response) {
		if req.onComplete != nil {
			req.onComplete(resp.S, responseReason(resp))
		}
	})
}

// purgeOutstandingWrites fails every write the server has not acknowledged
// and every onDisconnect request not yet sent.
func (pc *PersistentConnection) purgeOutstandingWrites() {
	puts, ods := pc.puts, pc.onDisconnects
	pc.puts, pc.onDisconnects = nil, nil
	for _, put := range puts {
		if put.onComplete != nil {
			put.onComplete(statusWriteCanceled, "")
		}
	}
	for _, od := range ods {
		if od.onComplete != nil {
			od.onComplete(statusWriteCanceled, "")
		}
	}
}

func responseReason(resp Response) string {
	var reason string
	if json.Unmarshal(resp.D, &reason) == nil {
		return reason
	}
	return string(resp.D)
}

// ============================================================================
// Auth
// ============================================================================

func (pc *PersistentConnection) tryAuth() {
	if !pc.connected || pc.authToken == "" {
		return
	}
	token := pc.authToken
	pc.sendRequest(ActionAuth, AuthRequest{Cred: token}, func(resp Response) {
		if pc.authToken != token {
			return
		}
		if resp.S == statusOK {
			pc.invalidTokenCount = 0
			return
		}
		pc.onAuthRevoked(resp.S, responseReason(resp))
	})
}

func (pc *PersistentConnection) refreshAuthToken(token string) {
	hadToken := pc.authToken != ""
	pc.authToken = token
	if !pc.connected {
		return
	}
	if token != "" {
		pc.tryAuth()
	} else if hadToken {
		pc.sendRequest(ActionUnauth, map[string]any{}, nil)
	}
}

func (pc *PersistentConnection) onAuthRevoked(status, reason string) {
	pc.logger.Warn("auth token revoked", "status", status, "reason", reason)
	pc.authToken = ""
	pc.forceTokenRefresh = true
	if status == statusInvalidToken || status == statusPermissionDenied {
		pc.invalidTokenCount++
		if pc.invalidTokenCount >= invalidTokenThreshold {
			pc.backoff.setDelay(pc.cfg.AdminReconnectDelay)
			pc.cfg.Auth.NotifyForInvalidToken()
		}
	}
	if pc.conn != nil {
		pc.conn.close()
	}
}

// ============================================================================
// Requests
// ============================================================================

func (pc *PersistentConnection) sendRequest(action string, body any, onResponse func(Response)) {
	assertf(pc.connected, "sendRequest call when we're not connected not allowed")
	raw, err := json.Marshal(body)
	if err != nil {
		pc.logger.Error("dropping unencodable request", "action", action, "err", err)
		return
	}
	if onResponse == nil {
		onResponse = func(Response) {}
	}
	pc.requestNumber++
	r := pc.requestNumber
	pc.requests[r] = onResponse
	conn := pc.conn
	conn.sendData(Message{R: r, A: action, B: raw})
	if pc.cfg.RequestTimeout > 0 {
		time.AfterFunc(pc.cfg.RequestTimeout, func() {
			pc.loop.post(func() {
				if pc.conn != conn {
					return
				}
				if _, pending := pc.requests[r]; pending {
					conn.closeWithError(&TransportError{Transport: conn.kind, Err: fmt.Errorf("request %d (%s) timed out", r, action)})
				}
			})
		})
	}
}

func (pc *PersistentConnection) sendStats() {
	key := "sdk.go." + strings.ReplaceAll(Version, ".", "-")
	pc.sendRequest(ActionStats, map[string]any{"c": map[string]int{key: 1}}, nil)
}

// ============================================================================
// Connection lifecycle
// ============================================================================

func (pc *PersistentConnection) shouldReconnect() bool {
	return len(pc.interruptReasons) == 0 && pc.online && pc.visible
}

func (pc *PersistentConnection) stopTimer() {
	pc.timerGen++
	if pc.connectTimer != nil {
		pc.connectTimer.Stop()
		pc.connectTimer = nil
	}
}

func (pc *PersistentConnection) scheduleConnect(d time.Duration) {
	assertf(pc.conn == nil, "scheduling a connection attempt when we're already connected")
	pc.stopTimer()
	gen := pc.timerGen
	pc.logger.Debug("scheduling connection attempt", "delay", d)
	pc.connectTimer = time.AfterFunc(d, func() {
		pc.loop.post(func() {
			if gen != pc.timerGen {
				return
			}
			pc.connectTimer = nil
			pc.establishConnection()
		})
	})
}

func (pc *PersistentConnection) establishConnection() {
	if !pc.shouldReconnect() || pc.conn != nil {
		return
	}
	pc.backoff.markAttempt(pc.cfg.Clock.Now())
	pc.connSeq++
	kind := pc.transports.Next()
	c := newConnection(fmt.Sprintf("%d:%d", pc.id, pc.connSeq), kind, pc.loop, pc, pc.cfg, pc.logger)
	pc.conn = c
	force := pc.forceTokenRefresh
	pc.forceTokenRefresh = false
	info, lastSession := pc.info, pc.lastSessionID
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, pc.cfg.ConnectTimeout)
		defer cancel()
		token, err := pc.cfg.Auth.GetToken(ctx, force)
		pc.loop.post(func() {
			if pc.conn != c || c.state == connClosed {
				return
			}
			if err != nil {
				c.closeWithError(fmt.Errorf("get auth token: %w", err))
				return
			}
			pc.authToken = token
			c.open(info, lastSession)
		})
	}()
}

func (pc *PersistentConnection) onConnectionReady(c *connection, hs Handshake) {
	if c != pc.conn {
		return
	}
	now := pc.cfg.Clock.Now()
	pc.logger.Info("connected", "session", hs.S, "transport", c.kind)
	pc.transports.MarkHealthy(c.kind)
	pc.lastSessionID = hs.S
	pc.connected = true
	pc.backoff.markConnected(now)
	pc.handler.onServerInfoUpdate(map[string]any{"serverTimeOffset": float64(hs.TS - now.UnixMilli())})
	if pc.firstConnection {
		pc.sendStats()
		pc.firstConnection = false
	}
	pc.restoreState()
	pc.handler.onConnectStatus(true)
}

// restoreState replays auth, listens, unacknowledged writes and queued
// onDisconnect requests, in that order.
func (pc *PersistentConnection) restoreState() {
	pc.tryAuth()
	for _, l := range pc.listens {
		pc.sendListen(l)
	}
	for _, put := range pc.puts {
		pc.sendPut(put)
	}
	ods := pc.onDisconnects
	pc.onDisconnects = nil
	for _, od := range ods {
		pc.sendOnDisconnect(od)
	}
}

func (pc *PersistentConnection) onConnectionMessage(c *connection, m Message) {
	if c != pc.conn {
		return
	}
	if m.R != 0 {
		cb, ok := pc.requests[m.R]
		if !ok {
			c.closeWithError(&ProtocolError{Message: fmt.Sprintf("response for unknown request %d", m.R)})
			return
		}
		delete(pc.requests, m.R)
		var resp Response
		if err := json.Unmarshal(m.B, &resp); err != nil {
			c.closeWithError(&ProtocolError{Message: fmt.Sprintf("bad response body: %v", err)})
			return
		}
		cb(resp)
		return
	}
	pc.onDataPush(c, m.A, m.B)
}

func (pc *PersistentConnection) onDataPush(c *connection, action string, body json.RawMessage) {
	switch action {
	case PushData, PushMerge:
		var dp DataPush
		if err := json.Unmarshal(body, &dp); err != nil {
			c.closeWithError(&ProtocolError{Message: fmt.Sprintf("bad data push: %v", err)})
			return
		}
		var data any
		if len(dp.D) > 0 {
			if err := json.Unmarshal(dp.D, &data); err != nil {
				c.closeWithError(&ProtocolError{Message: fmt.Sprintf("bad data push: %v", err)})
				return
			}
		}
		pc.handler.onDataUpdate(ParsePath(dp.P), data, action == PushMerge, dp.T)
	case PushListenRevoked:
		var rp RevokedPush
		if err := json.Unmarshal(body, &rp); err != nil {
			c.closeWithError(&ProtocolError{Message: fmt.Sprintf("bad revoke push: %v", err)})
			return
		}
		pc.onListenRevoked(ParsePath(rp.P))
	case PushAuthRevoked:
		var rp RevokedPush
		if err := json.Unmarshal(body, &rp); err != nil {
			c.closeWithError(&ProtocolError{Message: fmt.Sprintf("bad auth revoke push: %v", err)})
			return
		}
		pc.onAuthRevoked(rp.S, rp.D)
	case PushSecurityDebug:
		var sd struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(body, &sd); err != nil {
			c.closeWithError(&ProtocolError{Message: fmt.Sprintf("bad security debug push: %v", err)})
			return
		}
		pc.logger.Info("security debug", "msg", sd.Msg)
	default:
		pc.logger.Warn("unrecognized action received from server", "action", action)
	}
}

func (pc *PersistentConnection) onConnectionKill(c *connection, reason string) {
	if c != pc.conn {
		return
	}
	pc.logger.Warn("server killed the connection; not reconnecting", "reason", reason)
	pc.interrupt(interruptServerKill)
}

func (pc *PersistentConnection) onConnectionReset(c *connection, host string) {
	if c != pc.conn || host == "" {
		return
	}
	pc.info.internalHost = host
	pc.backoff.skipNext()
}

func (pc *PersistentConnection) onConnectionClosed(c *connection, err error, beforeHandshake bool) {
	if c != pc.conn {
		return
	}
	var te *TransportError
	if beforeHandshake && errors.As(err, &te) {
		pc.logger.Info("transport failed before handshake", "transport", c.kind, "err", err)
		pc.transports.MarkFailed(c.kind)
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		pc.logger.Warn("protocol error; reconnecting", "err", err)
		pc.backoff.skipNext()
	}
	pc.onRealtimeDisconnect()
}

func (pc *PersistentConnection) onRealtimeDisconnect() {
	wasConnected := pc.connected
	pc.connected = false
	pc.conn = nil
	clear(pc.requests)
	if pc.closed {
		return
	}
	if pc.shouldReconnect() {
		pc.scheduleConnect(pc.backoff.nextDelay(pc.cfg.Clock.Now(), pc.visible))
	}
	if wasConnected {
		pc.logger.Info("disconnected")
		pc.handler.onConnectStatus(false)
	}
}

// interrupt drops the connection and keeps it down until every reason
// has been resumed.
func (pc *PersistentConnection) interrupt(reason string) {
	pc.logger.Debug("interrupting connection", "reason", reason)
	pc.interruptReasons[reason] = true
	if pc.conn != nil {
		pc.conn.close()
	} else {
		pc.stopTimer()
	}
}

func (pc *PersistentConnection) resume(reason string) {
	pc.logger.Debug("resuming connection", "reason", reason)
	delete(pc.interruptReasons, reason)
	if pc.shouldReconnect() && pc.conn == nil {
		pc.backoff.reset()
		pc.scheduleConnect(0)
	}
}

func (pc *PersistentConnection) isInterrupted(reason string) bool {
	return pc.interruptReasons[reason]
}

func (pc *PersistentConnection) onOnline(online bool) {
	if online == pc.online {
		return
	}
	pc.online = online
	if online {
		pc.logger.Debug("network online; reconnecting")
		pc.backoff.reset()
		if pc.conn == nil && pc.shouldReconnect() {
			pc.scheduleConnect(0)
		}
		return
	}
	pc.logger.Debug("network offline; killing connection")
	if pc.conn != nil {
		pc.conn.close()
	} else {
		pc.stopTimer()
	}
}

func (pc *PersistentConnection) onVisible(visible bool) {
	if visible == pc.visible {
		return
	}
	pc.visible = visible
	if visible {
		pc.logger.Debug("became visible; reconnecting")
		pc.backoff.reset()
		if pc.conn == nil && pc.shouldReconnect() {
			pc.scheduleConnect(0)
		}
		return
	}
	if pc.conn == nil {
		pc.stopTimer()
	}
}
