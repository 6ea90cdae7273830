// Package emulator is an in-memory realtime database server that speaks the
// rtsync wire protocol over WebSocket and long polling. It backs the tests
// and the `rtsync serve` command; it has no rules language, only path
// prefixes that deny reads or writes.
package emulator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Prismer-AI/rtsync"
)

// Status codes sent in responses.
const (
	StatusOK               = "ok"
	StatusPermissionDenied = "permission_denied"
	StatusInvalidToken     = "invalid_token"
	StatusInvalidData      = "invalid_data"
	StatusBadRequest       = "invalid_request"
)

// Request is what the request hook sees for every data message a client
// sends.
type Request struct {
	Session string
	Action  string
	Path    string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithClock sets the clock used for server timestamps and the handshake.
func WithClock(c rtsync.Clock) Option { return func(s *Server) { s.clock = c } }

// WithSecret makes the server verify auth tokens signed with secret.
// Without it every credential is accepted.
func WithSecret(secret string) Option { return func(s *Server) { s.secret = secret } }

// WithPollTimeout sets how long a long-poll GET waits for frames.
func WithPollTimeout(d time.Duration) Option { return func(s *Server) { s.pollTimeout = d } }

// WithRequestHook registers fn to observe requests in arrival order. It is
// called with the server lock held and must not call back into the server.
func WithRequestHook(fn func(Request)) Option { return func(s *Server) { s.onRequest = fn } }

// Server holds one database tree and the sessions attached to it.
type Server struct {
	logger      *slog.Logger
	clock       rtsync.Clock
	secret      string
	pollTimeout time.Duration
	onRequest   func(Request)

	mu          sync.Mutex
	root        rtsync.Node
	sessions    map[string]*session
	order       []*session
	nextSession int
	denyReads   []rtsync.Path
	denyWrites  []rtsync.Path
}

// New creates an empty server.
func New(opts ...Option) *Server {
	s := &Server{
		logger:      slog.Default(),
		clock:       systemClock{},
		pollTimeout: 25 * time.Second,
		root:        rtsync.Empty,
		sessions:    make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "emulator")
	return s
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// ServeHTTP routes /.ws and /.lp.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/.ws":
		s.serveWebSocket(w, r)
	case "/.lp":
		s.serveLongPoll(w, r)
	default:
		http.NotFound(w, r)
	}
}

// ============================================================================
// Administrative API
// ============================================================================

// Value returns the exported value stored at path.
func (s *Server) Value(path string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root.Child(rtsync.ParsePath(path)).Value(true)
}

// Set writes v at path as if a privileged client had done it.
func (s *Server) Set(path string, v any) error {
	n, err := rtsync.NodeFromValue(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyOverwrite(rtsync.ParsePath(path), n)
	return nil
}

// DenyReads rejects listens that overlap path.
func (s *Server) DenyReads(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.denyReads = append(s.denyReads, rtsync.ParsePath(path))
}

// DenyWrites rejects writes that overlap path.
func (s *Server) DenyWrites(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.denyWrites = append(s.denyWrites, rtsync.ParsePath(path))
}

// RevokeListens cancels every listen at or below path with
// permission_denied.
func (s *Server) RevokeListens(path string) {
	p := rtsync.ParsePath(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.order {
		for _, l := range sess.listenList() {
			if !p.Contains(l.path) {
				continue
			}
			sess.removeListen(l.key())
			sess.push(rtsync.PushListenRevoked, rtsync.RevokedPush{P: l.path.String()})
		}
	}
}

// RevokeAuth tells every authenticated session its credential is no longer
// valid.
func (s *Server) RevokeAuth(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.order {
		if sess.authed {
			sess.authed = false
			sess.push(rtsync.PushAuthRevoked, rtsync.RevokedPush{S: StatusInvalidToken, D: reason})
		}
	}
}

// Kill sends a shutdown with reason to every session and closes them.
// Clients stop reconnecting after a shutdown.
func (s *Server) Kill(reason string) {
	s.mu.Lock()
	sessions := append([]*session(nil), s.order...)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.sendControl(rtsync.ControlShutdown, reason)
		sess.shutdown()
	}
}

// DropConnections closes every session without a word, like a network
// failure would.
func (s *Server) DropConnections() {
	s.mu.Lock()
	sessions := append([]*session(nil), s.order...)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.terminate()
	}
}

// Sessions is the number of attached sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Close drops every session.
func (s *Server) Close() error {
	s.DropConnections()
	return nil
}

// ============================================================================
// Sessions
// ============================================================================

// newSession registers a session and queues its handshake. closeFn, when
// set, tears the transport down.
func (s *Server) newSession(kind, host string, closeFn func()) *session {
	s.mu.Lock()
	s.nextSession++
	id := "s" + strconv.Itoa(s.nextSession)
	sess := newSession(id, kind, s)
	sess.closeFn = closeFn
	s.sessions[id] = sess
	s.order = append(s.order, sess)
	now := s.clock.Now()
	s.mu.Unlock()

	s.logger.Debug("session opened", "session", id, "transport", kind)
	sess.sendControl(rtsync.ControlHandshake, rtsync.Handshake{
		TS: now.UnixMilli(),
		V:  rtsync.ProtocolVersion,
		H:  host,
		S:  id,
	})
	return sess
}

func (s *Server) lookupSession(id string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// removeSession detaches sess and runs its onDisconnect operations.
func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.id]; !ok {
		return
	}
	delete(s.sessions, sess.id)
	for i, o := range s.order {
		if o == sess {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	for _, op := range sess.onDisconnect {
		s.logger.Debug("running onDisconnect", "session", sess.id, "action", op.action, "path", op.path.String())
		if err := s.applyWrite(op.action, op.path, op.data); err != nil {
			s.logger.Warn("onDisconnect write failed", "session", sess.id, "err", err)
		}
	}
	sess.onDisconnect = nil
	s.logger.Debug("session closed", "session", sess.id)
}

// ============================================================================
// Request handling
// ============================================================================

func (s *Server) handleFrame(sess *session, raw []byte) {
	var f rtsync.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		s.logger.Warn("bad frame", "session", sess.id, "err", err)
		return
	}
	switch f.T {
	case rtsync.FrameControl:
		var c rtsync.Control
		if err := json.Unmarshal(f.D, &c); err != nil {
			return
		}
		if c.T == rtsync.ControlPing {
			sess.sendControl(rtsync.ControlPong, map[string]any{})
		}
	case rtsync.FrameData:
		var m rtsync.Message
		if err := json.Unmarshal(f.D, &m); err != nil {
			s.logger.Warn("bad message", "session", sess.id, "err", err)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.handleRequest(sess, m)
	}
}

func (s *Server) handleRequest(sess *session, m rtsync.Message) {
	var path struct {
		P string `json:"p"`
	}
	_ = json.Unmarshal(m.B, &path)
	if s.onRequest != nil {
		s.onRequest(Request{Session: sess.id, Action: m.A, Path: path.P})
	}

	switch m.A {
	case rtsync.ActionListen:
		var req rtsync.ListenRequest
		if err := json.Unmarshal(m.B, &req); err != nil {
			sess.respond(m.R, StatusBadRequest, err.Error())
			return
		}
		s.handleListen(sess, m.R, req)
	case rtsync.ActionUnlisten:
		var req rtsync.ListenRequest
		if err := json.Unmarshal(m.B, &req); err != nil {
			return
		}
		sess.removeListen(listenKey(rtsync.ParsePath(req.P), req.T))
	case rtsync.ActionPut, rtsync.ActionMerge:
		var req rtsync.WriteRequest
		if err := json.Unmarshal(m.B, &req); err != nil {
			sess.respond(m.R, StatusBadRequest, err.Error())
			return
		}
		p := rtsync.ParsePath(req.P)
		if overlapsAny(s.denyWrites, p) {
			sess.respond(m.R, StatusPermissionDenied, "Permission denied")
			return
		}
		if err := s.applyWrite(m.A, p, req.D); err != nil {
			sess.respond(m.R, StatusInvalidData, err.Error())
			return
		}
		sess.respond(m.R, StatusOK, nil)
	case rtsync.ActionOnDisconnectPut, rtsync.ActionOnDisconnectMerge:
		var req rtsync.WriteRequest
		if err := json.Unmarshal(m.B, &req); err != nil {
			sess.respond(m.R, StatusBadRequest, err.Error())
			return
		}
		p := rtsync.ParsePath(req.P)
		if overlapsAny(s.denyWrites, p) {
			sess.respond(m.R, StatusPermissionDenied, "Permission denied")
			return
		}
		action := rtsync.ActionPut
		if m.A == rtsync.ActionOnDisconnectMerge {
			action = rtsync.ActionMerge
		}
		sess.onDisconnect = append(sess.onDisconnect, deferredWrite{action: action, path: p, data: req.D})
		sess.respond(m.R, StatusOK, nil)
	case rtsync.ActionOnDisconnectCancel:
		var req rtsync.WriteRequest
		if err := json.Unmarshal(m.B, &req); err != nil {
			sess.respond(m.R, StatusBadRequest, err.Error())
			return
		}
		p := rtsync.ParsePath(req.P)
		kept := sess.onDisconnect[:0]
		for _, op := range sess.onDisconnect {
			if !p.Contains(op.path) {
				kept = append(kept, op)
			}
		}
		sess.onDisconnect = kept
		sess.respond(m.R, StatusOK, nil)
	case rtsync.ActionAuth:
		var req rtsync.AuthRequest
		if err := json.Unmarshal(m.B, &req); err != nil {
			sess.respond(m.R, StatusBadRequest, err.Error())
			return
		}
		s.handleAuth(sess, m.R, req)
	case rtsync.ActionUnauth:
		sess.authed = false
		sess.respond(m.R, StatusOK, nil)
	case rtsync.ActionStats:
		sess.respond(m.R, StatusOK, nil)
	default:
		s.logger.Warn("unknown action", "session", sess.id, "action", m.A)
		sess.respond(m.R, StatusBadRequest, fmt.Sprintf("unknown action %q", m.A))
	}
}

func (s *Server) handleListen(sess *session, r int64, req rtsync.ListenRequest) {
	p := rtsync.ParsePath(req.P)
	if overlapsAny(s.denyReads, p) {
		sess.respond(r, StatusPermissionDenied, "Permission denied")
		return
	}
	params := rtsync.DefaultQueryParams
	if len(req.Q) > 0 {
		var err error
		params, err = rtsync.ParseQueryParams(req.Q)
		if err != nil {
			sess.respond(r, StatusBadRequest, err.Error())
			return
		}
	}
	l := &listen{path: p, params: params, tag: req.T}
	sess.addListen(l)

	// Data first, then the response, so the client completes the listen
	// with the data in place.
	data := l.view(s.root)
	l.last = data
	sess.push(rtsync.PushData, dataPush(p, data.Value(true), l.tag))
	sess.respond(r, StatusOK, nil)
}

func (s *Server) handleAuth(sess *session, r int64, req rtsync.AuthRequest) {
	if s.secret == "" {
		sess.authed = true
		sess.respond(r, StatusOK, map[string]any{"auth": nil})
		return
	}
	claims, err := rtsync.VerifyToken(req.Cred, s.secret, s.clock.Now())
	if err != nil {
		sess.authed = false
		sess.respond(r, StatusInvalidToken, err.Error())
		return
	}
	sess.authed = true
	sess.respond(r, StatusOK, map[string]any{"auth": claims})
}

// ============================================================================
// Writes
// ============================================================================

type deferredWrite struct {
	action string
	path   rtsync.Path
	data   any
}

func (s *Server) applyWrite(action string, p rtsync.Path, data any) error {
	if action == rtsync.ActionMerge {
		obj, ok := data.(map[string]any)
		if !ok {
			return fmt.Errorf("merge data must be an object, got %T", data)
		}
		children := make(map[string]rtsync.Node, len(obj))
		for k, v := range obj {
			n, err := rtsync.NodeFromValue(v)
			if err != nil {
				return err
			}
			children[k] = n
		}
		s.applyMerge(p, children)
		return nil
	}
	n, err := rtsync.NodeFromValue(data)
	if err != nil {
		return err
	}
	s.applyOverwrite(p, n)
	return nil
}

func (s *Server) applyOverwrite(p rtsync.Path, n rtsync.Node) {
	n = rtsync.ResolveServerValues(n, s.root.Child(p), s.clock.Now())
	s.root = s.root.UpdateChild(p, n)
	s.broadcast(p, nil)
}

func (s *Server) applyMerge(p rtsync.Path, children map[string]rtsync.Node) {
	now := s.clock.Now()
	resolved := make(map[string]any, len(children))
	for _, k := range sortedKeys(children) {
		cp := p.Join(rtsync.ParsePath(k))
		n := rtsync.ResolveServerValues(children[k], s.root.Child(cp), now)
		s.root = s.root.UpdateChild(cp, n)
		resolved[k] = n.Value(true)
	}
	s.broadcast(p, resolved)
}

// broadcast tells every listen that overlaps p about the change there.
// merged is non-nil for merges and holds the resolved children.
func (s *Server) broadcast(p rtsync.Path, merged map[string]any) {
	for _, sess := range s.order {
		sent := make(map[string]bool)
		for _, l := range sess.listenList() {
			if !l.path.Contains(p) && !p.Contains(l.path) {
				continue
			}
			if l.tag != 0 {
				data := l.view(s.root)
				if l.last != nil && l.last.Equals(data) {
					continue
				}
				l.last = data
				sess.push(rtsync.PushData, dataPush(l.path, data.Value(true), l.tag))
				continue
			}
			at := p
			if p.Contains(l.path) && !p.Equal(l.path) {
				at = l.path
			}
			if sent[at.String()] {
				continue
			}
			sent[at.String()] = true
			if merged != nil && at.Equal(p) {
				sess.push(rtsync.PushMerge, dataPush(p, merged, 0))
			} else {
				sess.push(rtsync.PushData, dataPush(at, s.root.Child(at).Value(true), 0))
			}
		}
	}
}

func dataPush(p rtsync.Path, v any, tag int64) rtsync.DataPush {
	raw, err := json.Marshal(v)
	if err != nil {
		raw = []byte("null")
	}
	return rtsync.DataPush{P: p.String(), D: raw, T: tag}
}

func overlapsAny(prefixes []rtsync.Path, p rtsync.Path) bool {
	for _, d := range prefixes {
		if d.Contains(p) || p.Contains(d) {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
