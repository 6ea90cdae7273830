package emulator

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Prismer-AI/rtsync"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	sess := s.newSession(rtsync.TransportWebSocket, r.Host, func() { conn.Close() })
	go s.wsWriteLoop(sess, conn)
	s.wsReadLoop(sess, conn)
}

func (s *Server) wsReadLoop(sess *session, conn *websocket.Conn) {
	defer sess.terminate()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read failed", "session", sess.id, "err", err)
			}
			return
		}
		s.handleFrame(sess, data)
	}
}

func (s *Server) wsWriteLoop(sess *session, conn *websocket.Conn) {
	for {
		select {
		case <-sess.sig:
		case <-sess.done:
			return
		}
		frames, last := sess.drain()
		for _, f := range frames {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, f); err != nil {
				sess.terminate()
				return
			}
		}
		if last {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			sess.terminate()
			return
		}
	}
}
