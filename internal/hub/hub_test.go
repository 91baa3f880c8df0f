package hub

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/spressbot/spress/internal/domain"
	"github.com/spressbot/spress/internal/engine"
	"github.com/spressbot/spress/internal/match"
	"github.com/spressbot/spress/internal/store"
	"github.com/spressbot/spress/pkg/wsdto"
)

type testEnv struct {
	sessions *store.Sessions
	hub      *Hub
	pipeline *match.Pipeline
	srv      *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	rdb, err := store.Open(fmt.Sprintf("redis://%s/0", mr.Addr()))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	sessions := store.NewSessions(rdb, 0)

	h := New(sessions, 30*time.Second, time.Second)
	p := match.NewPipeline(match.Config{
		AIMoveDelay: 5 * time.Millisecond,
		AITimeout:   time.Second,
		RetireGrace: time.Hour,
	}, sessions, engine.NewRandom())
	p.AttachHub(h, h)
	h.AttachPipeline(p)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testEnv{sessions: sessions, hub: h, pipeline: p, srv: srv}
}

func (e *testEnv) insertPvP(t *testing.T, id string) {
	t.Helper()
	now := time.Now()
	g := &domain.GameSession{
		ID:            id,
		OriginChannel: "chan-1",
		Players: map[domain.Side]domain.PlayerInfo{
			domain.SideWhite: {UserID: "u1", DisplayName: "Alice"},
			domain.SideBlack: {UserID: "u2", DisplayName: "Bob"},
		},
		FEN:        domain.StartFEN,
		Mode:       domain.ModePvP,
		Status:     domain.StatusActive,
		CreatedAt:  now,
		LastMoveAt: now,
	}
	if err := e.sessions.Insert(context.Background(), g); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func (e *testEnv) dial(t *testing.T, ctx context.Context, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?" + query
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", query, err)
	}
	return conn
}

func readUpdate(t *testing.T, ctx context.Context, conn *websocket.Conn) wsdto.Update {
	t.Helper()
	var u wsdto.Update
	if err := wsjson.Read(ctx, conn, &u); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if u.Type != wsdto.TypeUpdate {
		t.Fatalf("expected update, got %q", u.Type)
	}
	return u
}

func TestSnapshotOnConnect(t *testing.T) {
	env := newTestEnv(t)
	env.insertPvP(t, "g1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.dial(t, ctx, "session=g1&color=w")
	defer conn.Close(websocket.StatusNormalClosure, "")

	u := readUpdate(t, ctx, conn)
	if u.FEN != domain.StartFEN || u.Turn != "w" || len(u.SAN) != 0 {
		t.Fatalf("snapshot: %+v", u)
	}
}

func TestMoveBroadcastsToBothPlayers(t *testing.T) {
	env := newTestEnv(t)
	env.insertPvP(t, "g1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	white := env.dial(t, ctx, "session=g1&color=w")
	defer white.Close(websocket.StatusNormalClosure, "")
	black := env.dial(t, ctx, "session=g1&color=b")
	defer black.Close(websocket.StatusNormalClosure, "")
	readUpdate(t, ctx, white)
	readUpdate(t, ctx, black)

	if err := wsjson.Write(ctx, white, wsdto.ClientMessage{Type: wsdto.TypeMove, Move: "e2e4"}); err != nil {
		t.Fatalf("send move: %v", err)
	}

	for _, conn := range []*websocket.Conn{white, black} {
		u := readUpdate(t, ctx, conn)
		if u.Turn != "b" || len(u.SAN) != 1 || u.SAN[0] != "e4" {
			t.Fatalf("broadcast update: %+v", u)
		}
	}
}

func TestRejectionAnswersOffenderOnly(t *testing.T) {
	env := newTestEnv(t)
	env.insertPvP(t, "g1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	white := env.dial(t, ctx, "session=g1&color=w")
	defer white.Close(websocket.StatusNormalClosure, "")
	black := env.dial(t, ctx, "session=g1&color=b")
	defer black.Close(websocket.StatusNormalClosure, "")
	readUpdate(t, ctx, white)
	readUpdate(t, ctx, black)

	// Black moves out of turn and is the only one told.
	if err := wsjson.Write(ctx, black, wsdto.ClientMessage{Type: wsdto.TypeMove, Move: "e7e5"}); err != nil {
		t.Fatalf("send move: %v", err)
	}
	var inv wsdto.Invalid
	if err := wsjson.Read(ctx, black, &inv); err != nil {
		t.Fatalf("read invalid: %v", err)
	}
	if inv.Type != wsdto.TypeInvalid || inv.Code != "wrong_turn" {
		t.Fatalf("invalid payload: %+v", inv)
	}

	// White sees nothing; the next message white receives must be the update
	// for white's own legal move.
	if err := wsjson.Write(ctx, white, wsdto.ClientMessage{Type: wsdto.TypeMove, Move: "e2e4"}); err != nil {
		t.Fatalf("send move: %v", err)
	}
	u := readUpdate(t, ctx, white)
	if len(u.SAN) != 1 || u.SAN[0] != "e4" {
		t.Fatalf("white received stray message: %+v", u)
	}
}

func TestPingPong(t *testing.T) {
	env := newTestEnv(t)
	env.insertPvP(t, "g1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.dial(t, ctx, "session=g1&color=w")
	defer conn.Close(websocket.StatusNormalClosure, "")
	readUpdate(t, ctx, conn)

	if err := wsjson.Write(ctx, conn, wsdto.ClientMessage{Type: wsdto.TypePing}); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	var pong wsdto.Pong
	if err := wsjson.Read(ctx, conn, &pong); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if pong.Type != wsdto.TypePong {
		t.Fatalf("expected pong, got %+v", pong)
	}
}

func TestMissingSessionParamCloses4000(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.dial(t, ctx, "color=w")
	var msg wsdto.Notice
	err := wsjson.Read(ctx, conn, &msg)
	if websocket.CloseStatus(err) != closeMissingSession {
		t.Fatalf("expected close 4000, got %v", err)
	}
}

func TestBadColorCloses4001(t *testing.T) {
	env := newTestEnv(t)
	env.insertPvP(t, "g1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.dial(t, ctx, "session=g1&color=purple")
	var msg wsdto.Notice
	err := wsjson.Read(ctx, conn, &msg)
	if websocket.CloseStatus(err) != closeBadColor {
		t.Fatalf("expected close 4001, got %v", err)
	}
}

func TestUnknownSessionExpiredNoticeAnd4002(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.dial(t, ctx, "session=ghost&color=w")
	var notice wsdto.Notice
	if err := wsjson.Read(ctx, conn, &notice); err != nil {
		t.Fatalf("read notice: %v", err)
	}
	if notice.Type != wsdto.TypeSessionExpired {
		t.Fatalf("expected session_expired, got %+v", notice)
	}
	var next wsdto.Notice
	err := wsjson.Read(ctx, conn, &next)
	if websocket.CloseStatus(err) != closeSessionExpired {
		t.Fatalf("expected close 4002, got %v", err)
	}
}

func TestMalformedFrameDoesNotDropConnection(t *testing.T) {
	env := newTestEnv(t)
	env.insertPvP(t, "g1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.dial(t, ctx, "session=g1&color=w")
	defer conn.Close(websocket.StatusNormalClosure, "")
	readUpdate(t, ctx, conn)

	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("send garbage: %v", err)
	}
	if err := wsjson.Write(ctx, conn, map[string]string{"type": "mystery"}); err != nil {
		t.Fatalf("send unknown type: %v", err)
	}

	// the connection must still be alive and serving
	if err := wsjson.Write(ctx, conn, wsdto.ClientMessage{Type: wsdto.TypePing}); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	var pong wsdto.Pong
	if err := wsjson.Read(ctx, conn, &pong); err != nil {
		t.Fatalf("read pong after garbage: %v", err)
	}
	if pong.Type != wsdto.TypePong {
		t.Fatalf("expected pong, got %+v", pong)
	}
}

func TestEngineHostRoomPurgedWithoutClients(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	rdb, err := store.Open(fmt.Sprintf("redis://%s/0", mr.Addr()))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	sessions := store.NewSessions(rdb, 0)

	now := time.Now()
	g := &domain.GameSession{
		ID:            "g1",
		OriginChannel: "chan-1",
		Players: map[domain.Side]domain.PlayerInfo{
			domain.SideWhite: {UserID: "u1"},
			domain.SideBlack: {UserID: "u2"},
		},
		FEN:        domain.StartFEN,
		Mode:       domain.ModePvP,
		Status:     domain.StatusActive,
		CreatedAt:  now,
		LastMoveAt: now,
	}
	if err := sessions.Insert(context.Background(), g); err != nil {
		t.Fatalf("insert: %v", err)
	}

	h := New(sessions, 20*time.Millisecond, 10*time.Millisecond)
	if _, err := h.Engine("g1", domain.StartFEN); err != nil {
		t.Fatalf("engine: %v", err)
	}
	h.mu.Lock()
	armed := h.purgeTimers["g1"] != nil
	h.mu.Unlock()
	if !armed {
		t.Fatal("clientless room has no purge timer")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		h.mu.Lock()
		_, alive := h.rooms["g1"]
		h.mu.Unlock()
		if !alive {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("clientless room never purged")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSpectatorReceivesUpdatesButCannotMove(t *testing.T) {
	env := newTestEnv(t)
	env.insertPvP(t, "g1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	spec := env.dial(t, ctx, "session=g1&spectator=1")
	defer spec.Close(websocket.StatusNormalClosure, "")
	white := env.dial(t, ctx, "session=g1&color=w")
	defer white.Close(websocket.StatusNormalClosure, "")
	readUpdate(t, ctx, spec)
	readUpdate(t, ctx, white)

	if err := wsjson.Write(ctx, spec, wsdto.ClientMessage{Type: wsdto.TypeMove, Move: "e2e4"}); err != nil {
		t.Fatalf("send move: %v", err)
	}
	var inv wsdto.Invalid
	if err := wsjson.Read(ctx, spec, &inv); err != nil {
		t.Fatalf("read invalid: %v", err)
	}
	if inv.Code != "spectator" {
		t.Fatalf("expected spectator rejection, got %+v", inv)
	}

	if err := wsjson.Write(ctx, white, wsdto.ClientMessage{Type: wsdto.TypeMove, Move: "e2e4"}); err != nil {
		t.Fatalf("send move: %v", err)
	}
	u := readUpdate(t, ctx, spec)
	if len(u.SAN) != 1 || u.SAN[0] != "e4" {
		t.Fatalf("spectator missed broadcast: %+v", u)
	}
}
