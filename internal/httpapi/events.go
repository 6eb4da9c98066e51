package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	logx "weatherpush/pkg/logx"
)

// handleEvents streams bus events to a websocket client as JSON messages.
// The stream is one-way; anything the client sends is discarded.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The API is deliberately open to any origin, like the rest of it.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Debug("websocket accept failed", logx.Err(err))
		return
	}
	defer c.CloseNow()

	events, unsub := s.deps.Bus.Subscribe(64)
	defer unsub()

	ctx := c.CloseRead(r.Context())
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	s.log.Debug("event stream opened", logx.String("remote", r.RemoteAddr))
	for {
		select {
		case <-ctx.Done():
			s.log.Debug("event stream closed", logx.String("remote", r.RemoteAddr))
			return
		case ev, ok := <-events:
			if !ok {
				_ = c.Close(websocket.StatusGoingAway, "bus closed")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(wctx, c, ev)
			cancel()
			if err != nil {
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := c.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
