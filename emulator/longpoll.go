package emulator

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/Prismer-AI/rtsync"
)

// serveLongPoll implements the HTTP fallback. GET ?start=t opens a session
// and returns its id; GET ?id= waits for queued frames and returns them as
// a JSON array; POST ?id= carries a JSON array of client frames; DELETE
// ?id= ends the session. A poll for an unknown or finished session gets
// 410 Gone.
func (s *Server) serveLongPoll(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if r.Method == http.MethodGet && q.Get("start") == "t" {
		sess := s.newSession(rtsync.TransportLongPolling, r.Host, nil)
		sess.idle = time.AfterFunc(s.idleTimeout(), sess.terminate)
		writeJSON(w, map[string]string{"id": sess.id})
		return
	}
	sess, ok := s.lookupSession(q.Get("id"))
	if !ok {
		http.Error(w, "unknown session", http.StatusGone)
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.poll(w, r, sess)
	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var frames []json.RawMessage
		if err := json.Unmarshal(body, &frames); err != nil {
			http.Error(w, "body must be a JSON array of frames", http.StatusBadRequest)
			return
		}
		for _, f := range frames {
			s.handleFrame(sess, f)
		}
		writeJSON(w, []any{})
	case http.MethodDelete:
		sess.terminate()
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// idleTimeout ends a long-poll session whose client stopped polling.
func (s *Server) idleTimeout() time.Duration { return 2*s.pollTimeout + 5*time.Second }

func (s *Server) poll(w http.ResponseWriter, r *http.Request, sess *session) {
	if sess.idle != nil {
		sess.idle.Stop()
		defer sess.idle.Reset(s.idleTimeout())
	}
	frames, last := sess.drain()
	if len(frames) == 0 && !last {
		timer := time.NewTimer(s.pollTimeout)
		defer timer.Stop()
		select {
		case <-sess.sig:
		case <-sess.done:
		case <-timer.C:
		case <-r.Context().Done():
			return
		}
		frames, last = sess.drain()
	}
	if len(frames) == 0 && last {
		sess.terminate()
		http.Error(w, "session closed", http.StatusGone)
		return
	}
	out := make([]json.RawMessage, len(frames))
	for i, f := range frames {
		out[i] = f
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
