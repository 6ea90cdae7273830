package emulator

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/Prismer-AI/rtsync"
)

// listen is one active listen of a session. Untagged listens see the whole
// location; tagged ones see the query window.
type listen struct {
	path   rtsync.Path
	params rtsync.QueryParams
	tag    int64
	last   rtsync.Node
}

func listenKey(p rtsync.Path, tag int64) string {
	return p.String() + "#" + strconv.FormatInt(tag, 10)
}

func (l *listen) key() string { return listenKey(l.path, l.tag) }

func (l *listen) view(root rtsync.Node) rtsync.Node {
	n := root.Child(l.path)
	if l.tag == 0 {
		return n
	}
	return l.params.Filter(n)
}

// session is one client connection. The outbound queue is unbounded so
// request handling never blocks on a slow client; the transport drains it.
type session struct {
	id   string
	kind string
	srv  *Server

	qmu     sync.Mutex
	queue   [][]byte
	sig     chan struct{}
	closing bool

	done     chan struct{}
	doneOnce sync.Once
	closeFn  func()
	// idle ends a long-poll session nobody polls.
	idle *time.Timer

	// Guarded by srv.mu.
	listens      map[string]*listen
	listenOrder  []*listen
	onDisconnect []deferredWrite
	authed       bool
}

func newSession(id, kind string, srv *Server) *session {
	return &session{
		id:      id,
		kind:    kind,
		srv:     srv,
		sig:     make(chan struct{}, 1),
		done:    make(chan struct{}),
		listens: make(map[string]*listen),
	}
}

func (s *session) addListen(l *listen) {
	if old, ok := s.listens[l.key()]; ok {
		s.dropFromOrder(old)
	}
	s.listens[l.key()] = l
	s.listenOrder = append(s.listenOrder, l)
}

func (s *session) removeListen(key string) {
	l, ok := s.listens[key]
	if !ok {
		return
	}
	delete(s.listens, key)
	s.dropFromOrder(l)
}

func (s *session) dropFromOrder(l *listen) {
	for i, o := range s.listenOrder {
		if o == l {
			s.listenOrder = append(s.listenOrder[:i], s.listenOrder[i+1:]...)
			return
		}
	}
}

func (s *session) listenList() []*listen {
	return append([]*listen(nil), s.listenOrder...)
}

// ============================================================================
// Outbound
// ============================================================================

func (s *session) enqueue(frame []byte) {
	s.qmu.Lock()
	if s.closing {
		s.qmu.Unlock()
		return
	}
	s.queue = append(s.queue, frame)
	s.qmu.Unlock()
	s.wake()
}

func (s *session) wake() {
	select {
	case s.sig <- struct{}{}:
	default:
	}
}

// drain takes every queued frame. last reports that the session is
// shutting down and nothing more will be queued.
func (s *session) drain() (frames [][]byte, last bool) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	frames = s.queue
	s.queue = nil
	return frames, s.closing
}

func (s *session) sendControl(t string, d any) {
	frame, err := rtsync.EncodeControl(t, d)
	if err != nil {
		s.srv.logger.Error("encode control", "session", s.id, "err", err)
		return
	}
	s.enqueue(frame)
}

func (s *session) sendMessage(m rtsync.Message) {
	frame, err := rtsync.EncodeData(m)
	if err != nil {
		s.srv.logger.Error("encode message", "session", s.id, "err", err)
		return
	}
	s.enqueue(frame)
}

func (s *session) respond(r int64, status string, data any) {
	resp := rtsync.Response{S: status}
	if data != nil {
		raw, err := json.Marshal(data)
		if err == nil {
			resp.D = raw
		}
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return
	}
	s.sendMessage(rtsync.Message{R: r, B: body})
}

func (s *session) push(action string, body any) {
	raw, err := json.Marshal(body)
	if err != nil {
		s.srv.logger.Error("encode push", "session", s.id, "err", err)
		return
	}
	s.sendMessage(rtsync.Message{A: action, B: raw})
}

// shutdown stops accepting frames; the transport closes the session once
// the queue is flushed.
func (s *session) shutdown() {
	s.qmu.Lock()
	s.closing = true
	s.qmu.Unlock()
	s.wake()
}

// terminate closes the session now.
func (s *session) terminate() {
	s.doneOnce.Do(func() {
		s.qmu.Lock()
		s.closing = true
		s.qmu.Unlock()
		close(s.done)
		if s.closeFn != nil {
			s.closeFn()
		}
		s.srv.removeSession(s)
	})
}
