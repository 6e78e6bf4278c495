package httpapi

import (
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// handleEventStream upgrades to a websocket and relays merge-engine
// change events. The subscription buffer absorbs bursts; a client that
// cannot keep up misses events rather than stalling the merge path.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if _, authErr := s.authorize(r, "events:read"); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, requestID(r))
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("http: websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	events, cancel := s.store.Subscribe(64)
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := wsjson.Write(ctx, conn, event); err != nil {
				s.log.Debug().Err(err).Msg("http: event stream write failed")
				return
			}
		}
	}
}
