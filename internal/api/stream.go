package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/concierge/internal/events"
	"github.com/nugget/concierge/internal/orchestrator"
)

const (
	// sseKeepalive is how long a stream may stay silent (tool rounds
	// produce no text) before a comment line is sent.
	sseKeepalive = 15 * time.Second

	streamWriteTimeout = 120 * time.Second

	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 25 * time.Second
	wsMaxMessage   = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy belongs to the fronting proxy.
		return true
	},
}

// streamTurn serves a turn as Server-Sent Events: "delta" events with
// {"delta": text} and a final "done" event carrying the TurnResponse.
func (s *Server) streamTurn(w http.ResponseWriter, r *http.Request, req orchestrator.TurnRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch, err := s.turns.SubmitTurnStream(r.Context(), req)
	if err != nil {
		s.turnError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rc := http.NewResponseController(w)
	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.writeSSE(w, ev)
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
		}
		flusher.Flush()

		// Tool rounds can outlast the server's write timeout.
		if err := rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}
}

func (s *Server) writeSSE(w http.ResponseWriter, ev orchestrator.Event) {
	var payload any = ev.Response
	if ev.Kind == orchestrator.EventDelta {
		payload = map[string]string{"delta": ev.Delta}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Debug("failed to marshal SSE event", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
		s.logger.Debug("failed to write SSE event", "error", err)
	}
}

// socketMessage is a frame sent on the turn socket.
type socketMessage struct {
	Type     string                     `json:"type"` // delta, done, error
	Delta    string                     `json:"delta,omitempty"`
	Response *orchestrator.TurnResponse `json:"response,omitempty"`
	Error    string                     `json:"error,omitempty"`
}

// handleTurnSocket runs turns over a WebSocket. Each inbound text
// frame is a TurnRequest; replies stream back as delta frames and one
// done frame. Turns on one socket run one at a time. Closing the
// socket mid-turn is a disconnect: the turn is still billed.
func (s *Server) handleTurnSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	tenant := r.Header.Get(TenantHeader)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxMessage)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan TurnRequest)
	go s.readTurns(ctx, cancel, conn, inbound)

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := s.writeFrame(conn, websocket.PingMessage, nil); err != nil {
				return
			}
		case body := <-inbound:
			if !s.socketTurn(ctx, conn, body.toOrchestrator(sessionID, tenant), ping.C) {
				return
			}
		}
	}
}

// readTurns decodes inbound frames until the socket fails, then
// cancels ctx so any running turn sees the disconnect.
func (s *Server) readTurns(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out chan<- TurnRequest) {
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		}

		var req TurnRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.logger.Debug("invalid websocket turn", "error", err)
			continue
		}
		select {
		case out <- req:
		case <-ctx.Done():
			return
		}
		// The handoff waits for any running turn to finish.
		conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	}
}

// socketTurn streams one turn to conn. It reports false once the
// socket can no longer be written.
func (s *Server) socketTurn(ctx context.Context, conn *websocket.Conn, req orchestrator.TurnRequest, ping <-chan time.Time) bool {
	ch, err := s.turns.SubmitTurnStream(ctx, req)
	if err != nil {
		return s.writeSocketJSON(conn, socketMessage{Type: "error", Error: err.Error()}) == nil
	}

	alive := true
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return alive
			}
			if !alive {
				continue // drain until the turn has persisted
			}
			msg := socketMessage{Type: string(ev.Kind), Delta: ev.Delta, Response: ev.Response}
			if err := s.writeSocketJSON(conn, msg); err != nil {
				alive = false
			}
		case <-ping:
			if alive && s.writeFrame(conn, websocket.PingMessage, nil) != nil {
				alive = false
			}
		}
	}
}

func (s *Server) writeSocketJSON(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.writeFrame(conn, websocket.TextMessage, data)
}

func (s *Server) writeFrame(conn *websocket.Conn, kind int, data []byte) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteMessage(kind, data); err != nil {
		s.logger.Debug("websocket write failed", "error", err)
		return err
	}
	return nil
}

// handleEventFeed streams bus events to a WebSocket client. An
// optional ?kind= query restricts the feed to one event kind.
func (s *Server) handleEventFeed(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		// Inbound frames are ignored; a read error means the client left.
		defer cancel()
		conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if s.writeFrame(conn, websocket.PingMessage, nil) != nil {
				return
			}
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if kind != "" && ev.Kind != kind {
				continue
			}
			if s.writeSocketJSON(conn, feedEvent(ev)) != nil {
				return
			}
		}
	}
}

func feedEvent(e events.Event) map[string]any {
	return map[string]any{
		"ts":     e.Timestamp.UTC().Format(time.RFC3339Nano),
		"source": e.Source,
		"kind":   e.Kind,
		"data":   e.Data,
	}
}
