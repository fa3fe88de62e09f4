package webui

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"orchestrator/pkg/proto"
)

// wsWriteTimeout bounds a single outbound frame write on the push channel.
const wsWriteTimeout = 10 * time.Second

// upgrader accepts connections from any origin: the WebUI is reached
// through an operator-controlled reverse proxy, not a public browser
// surface, so the teacher's permissive CORS stance carries over here.
var upgrader = websocket.Upgrader{ //nolint:gochecknoglobals
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWS upgrades the connection and attaches it to a Dispatcher
// Subscriber: every delta or full-status message the Orchestrator produces
// is pushed out as a JSON frame, and inbound {action: ...} frames are
// answered on demand.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := s.dispatcher.Subscribe()
	defer s.dispatcher.Unsubscribe(sub.ID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// gorilla/websocket permits only one concurrent writer per connection,
	// so every outbound frame — pushed deltas and on-demand replies alike —
	// funnels through this single loop instead of writing from both the
	// push goroutine and the read goroutine directly.
	replies := make(chan proto.WSMessage, 8)
	go s.wsReadLoop(ctx, cancel, conn, replies)

	pushes := make(chan proto.WSMessage)
	go func() {
		defer close(pushes)
		for {
			msg, ok := sub.Next(ctx)
			if !ok {
				return
			}
			select {
			case pushes <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-pushes:
			if !ok {
				return
			}
			if err := s.wsWrite(conn, msg); err != nil {
				s.logger.Debug("websocket write failed for subscriber %s: %v", sub.ID, err)
				return
			}
		case msg := <-replies:
			if err := s.wsWrite(conn, msg); err != nil {
				s.logger.Debug("websocket reply write failed: %v", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// wsReadLoop drains inbound frames until the connection closes, answering
// the two actions spec §6 defines: get_full_status and get_chart_updates.
func (s *Server) wsReadLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, replies chan<- proto.WSMessage) {
	defer cancel()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var inbound proto.WSInbound
		if err := json.Unmarshal(data, &inbound); err != nil {
			s.logger.Debug("malformed websocket inbound frame: %v", err)
			continue
		}

		var reply proto.WSMessage
		switch inbound.Action {
		case proto.WSActionGetFullStatus:
			reply = s.dispatcher.FullStatus()
		case proto.WSActionGetChartUpdates:
			reply = s.dispatcher.ChartUpdates()
		default:
			s.logger.Debug("unknown websocket action %q", inbound.Action)
			continue
		}

		select {
		case replies <- reply:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) wsWrite(conn *websocket.Conn, msg proto.WSMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}
