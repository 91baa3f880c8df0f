// Package hub synchronizes connected board clients with their game session.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/spressbot/spress/internal/domain"
	"github.com/spressbot/spress/internal/match"
	"github.com/spressbot/spress/internal/obslog"
	"github.com/spressbot/spress/internal/rules"
	"github.com/spressbot/spress/internal/store"
	"github.com/spressbot/spress/pkg/wsdto"
)

// Application close codes, sent before the server hangs up.
const (
	closeMissingSession websocket.StatusCode = 4000
	closeBadColor       websocket.StatusCode = 4001
	closeSessionExpired websocket.StatusCode = 4002
	closeSessionCorrupt websocket.StatusCode = 4003
)

// MoveSubmitter is what the hub needs from the move pipeline.
type MoveSubmitter interface {
	SubmitMove(ctx context.Context, sessionID string, side domain.Side, raw string) (*wsdto.Update, error)
	EnsureComputerTurn(ctx context.Context, sessionID string)
}

type client struct {
	conn      *websocket.Conn
	side      domain.Side // empty for spectators
	spectator bool
	send      chan any
}

// room tracks one session's connections and its cached rules engine.
type room struct {
	engine  *rules.Engine
	fen     string
	clients map[*client]struct{}
}

// Hub owns client connections; the store owns sessions. It implements the
// pipeline's Broadcaster and EngineHost ports.
type Hub struct {
	sessions   *store.Sessions
	pipeline   MoveSubmitter
	idleGrace  time.Duration
	staleGrace time.Duration

	mu          sync.Mutex
	rooms       map[string]*room
	purgeTimers map[string]*time.Timer
}

func New(sessions *store.Sessions, idleGrace, staleGrace time.Duration) *Hub {
	if idleGrace <= 0 {
		idleGrace = 30 * time.Second
	}
	if staleGrace <= 0 {
		staleGrace = time.Second
	}
	return &Hub{
		sessions:    sessions,
		idleGrace:   idleGrace,
		staleGrace:  staleGrace,
		rooms:       make(map[string]*room),
		purgeTimers: make(map[string]*time.Timer),
	}
}

// AttachPipeline wires the move pipeline after construction.
func (h *Hub) AttachPipeline(p MoveSubmitter) { h.pipeline = p }

// ServeWS is the handler for /ws?session=<id>&color=<w|b> (or spectator=1).
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}

	q := r.URL.Query()
	sessionID := strings.TrimSpace(q.Get("session"))
	spectator := q.Get("spectator") == "1"
	side := domain.Side(q.Get("color"))

	if sessionID == "" {
		_ = conn.Close(closeMissingSession, "session required")
		return
	}
	if !spectator && !side.Valid() {
		_ = conn.Close(closeBadColor, "color must be w or b")
		return
	}
	if spectator {
		side = ""
	}

	ctx := r.Context()
	g, err := h.sessions.Get(ctx, sessionID)
	if errors.Is(err, store.ErrSessionNotFound) {
		_ = wsjson.Write(ctx, conn, wsdto.Notice{Type: wsdto.TypeSessionExpired})
		_ = conn.Close(closeSessionExpired, "session expired")
		return
	}
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "session load failed")
		return
	}
	if _, err := h.Engine(sessionID, g.FEN); err != nil {
		_ = wsjson.Write(ctx, conn, wsdto.Notice{Type: wsdto.TypeSessionCorrupted})
		_ = conn.Close(closeSessionCorrupt, "session corrupted")
		return
	}

	c := &client{conn: conn, side: side, spectator: spectator, send: make(chan any, 32)}
	h.register(sessionID, c)
	c.enqueue(match.BuildUpdate(g, nil))

	obslog.L().Info("ws_connected",
		zap.String("session_id", sessionID),
		zap.String("color", string(side)),
		zap.Bool("spectator", spectator),
	)

	if h.pipeline != nil {
		go h.pipeline.EnsureComputerTurn(context.Background(), sessionID)
	}

	done := make(chan struct{})
	go h.writeLoop(ctx, c, done)
	h.readLoop(ctx, sessionID, c)

	close(done)
	h.unregister(sessionID, c)
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	obslog.L().Info("ws_disconnected", zap.String("session_id", sessionID), zap.String("color", string(side)))
}

func (h *Hub) writeLoop(ctx context.Context, c *client, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(wctx, c.conn, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// readLoop decodes frames itself rather than through wsjson so malformed
// payloads and unknown message types are dropped without closing the socket.
func (h *Hub) readLoop(ctx context.Context, sessionID string, c *client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var msg wsdto.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case wsdto.TypePing:
			c.enqueue(wsdto.Pong{Type: wsdto.TypePong})
		case wsdto.TypeMove:
			h.handleMove(ctx, sessionID, c, msg.Move)
		default:
			// unknown message types are ignored
		}
	}
}

func (h *Hub) handleMove(ctx context.Context, sessionID string, c *client, raw string) {
	if c.spectator {
		c.enqueue(wsdto.Invalid{Type: wsdto.TypeInvalid, Code: "spectator", Reason: "spectators cannot move"})
		return
	}
	if h.pipeline == nil {
		return
	}
	if _, err := h.pipeline.SubmitMove(ctx, sessionID, c.side, raw); err != nil {
		// Only the offending connection learns about a rejection.
		c.enqueue(wsdto.Invalid{
			Type:   wsdto.TypeInvalid,
			Code:   match.RejectionCode(err),
			Reason: err.Error(),
		})
	}
}

func (c *client) enqueue(msg any) {
	select {
	case c.send <- msg:
	default:
	}
}

func (h *Hub) register(sessionID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm := h.rooms[sessionID]
	if rm == nil {
		rm = &room{clients: make(map[*client]struct{})}
		h.rooms[sessionID] = rm
	}
	rm.clients[c] = struct{}{}
	if t := h.purgeTimers[sessionID]; t != nil {
		t.Stop()
		delete(h.purgeTimers, sessionID)
	}
}

func (h *Hub) unregister(sessionID string, c *client) {
	h.mu.Lock()
	rm := h.rooms[sessionID]
	if rm != nil {
		delete(rm.clients, c)
	}
	empty := rm != nil && len(rm.clients) == 0
	h.mu.Unlock()

	if empty {
		h.schedulePurge(sessionID)
	}
}

// schedulePurge forgets an empty room after a grace period: short when the
// stored session is already gone, longer when players may reconnect.
func (h *Hub) schedulePurge(sessionID string) {
	grace := h.idleGrace
	if _, err := h.sessions.Get(context.Background(), sessionID); errors.Is(err, store.ErrSessionNotFound) {
		grace = h.staleGrace
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if t := h.purgeTimers[sessionID]; t != nil {
		t.Stop()
	}
	h.purgeTimers[sessionID] = time.AfterFunc(grace, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.purgeTimers, sessionID)
		if rm := h.rooms[sessionID]; rm != nil && len(rm.clients) == 0 {
			delete(h.rooms, sessionID)
			obslog.L().Debug("room_purged", zap.String("session_id", sessionID))
		}
	})
}

// BroadcastUpdate sends an accepted-move update to every connection of the
// session, in submission order.
func (h *Hub) BroadcastUpdate(sessionID string, u wsdto.Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm := h.rooms[sessionID]
	if rm == nil {
		return
	}
	rm.fen = u.FEN
	for c := range rm.clients {
		c.enqueue(u)
	}
}

// NotifySession sends a lifecycle notice to every connection. A corruption
// notice also hangs up with the corresponding close code.
func (h *Hub) NotifySession(sessionID string, messageType string) {
	h.mu.Lock()
	rm := h.rooms[sessionID]
	var clients []*client
	if rm != nil {
		for c := range rm.clients {
			clients = append(clients, c)
		}
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.enqueue(wsdto.Notice{Type: messageType})
	}
	if messageType == wsdto.TypeSessionCorrupted {
		// give the notice a moment to flush before closing
		go func() {
			time.Sleep(100 * time.Millisecond)
			for _, c := range clients {
				_ = c.conn.Close(closeSessionCorrupt, "session corrupted")
			}
		}()
	}
}

// PurgeSession drops the room and closes any remaining connections.
func (h *Hub) PurgeSession(sessionID string) {
	h.mu.Lock()
	rm := h.rooms[sessionID]
	delete(h.rooms, sessionID)
	if t := h.purgeTimers[sessionID]; t != nil {
		t.Stop()
		delete(h.purgeTimers, sessionID)
	}
	h.mu.Unlock()

	if rm == nil {
		return
	}
	for c := range rm.clients {
		_ = c.conn.Close(websocket.StatusNormalClosure, "session closed")
	}
}

// Engine returns the session's cached rules engine, rebuilt from fen when
// missing or stale. A room touched here with no connected clients still gets
// a purge timer, so engine-only traffic (computer turns, HTTP resigns) cannot
// leave rooms behind forever.
func (h *Hub) Engine(sessionID, fen string) (*rules.Engine, error) {
	h.mu.Lock()
	rm := h.rooms[sessionID]
	if rm == nil {
		rm = &room{clients: make(map[*client]struct{})}
		h.rooms[sessionID] = rm
	}
	if rm.engine == nil || rm.fen != fen {
		eng, err := rules.Load(fen)
		if err != nil {
			h.mu.Unlock()
			return nil, err
		}
		rm.engine = eng
		rm.fen = fen
	}
	eng := rm.engine
	clientless := len(rm.clients) == 0 && h.purgeTimers[sessionID] == nil
	h.mu.Unlock()

	if clientless {
		h.schedulePurge(sessionID)
	}
	return eng, nil
}

// DropEngine forgets the cached engine for a session.
func (h *Hub) DropEngine(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rm := h.rooms[sessionID]; rm != nil {
		rm.engine = nil
		rm.fen = ""
	}
}
