package diag

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const eventWriteTimeout = 10 * time.Second

// upgrader accepts any origin: this is a loopback-only operator
// surface, and browser dashboards served from file:// or another local
// port are the expected clients.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleEvents streams bus events over a WebSocket until the client
// hangs up. A slow client misses events rather than backing up the
// bus.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)

	s.logger.Debug("event stream opened", "remote", r.RemoteAddr)

	// The read loop exists only to notice the client closing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			s.logger.Debug("event stream closed", "remote", r.RemoteAddr)
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(e); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("event stream write failed", "error", err)
				}
				return
			}
		}
	}
}
