package match

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/spressbot/spress/internal/domain"
	"github.com/spressbot/spress/internal/notify"
	"github.com/spressbot/spress/internal/store"
	"github.com/spressbot/spress/pkg/wsdto"
)

type recordingBroadcaster struct {
	mu      sync.Mutex
	updates []wsdto.Update
	notices []string
	purged  []string
}

func (b *recordingBroadcaster) BroadcastUpdate(_ string, u wsdto.Update) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates = append(b.updates, u)
}

func (b *recordingBroadcaster) NotifySession(_ string, messageType string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notices = append(b.notices, messageType)
}

func (b *recordingBroadcaster) PurgeSession(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.purged = append(b.purged, id)
}

func (b *recordingBroadcaster) updateCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.updates)
}

func (b *recordingBroadcaster) lastUpdate() wsdto.Update {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updates[len(b.updates)-1]
}

type countingRecorder struct {
	mu    sync.Mutex
	calls []*domain.GameSession
}

func (r *countingRecorder) RecordOutcome(_ context.Context, g *domain.GameSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := *g
	r.calls = append(r.calls, &snapshot)
	return nil
}

func (r *countingRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type countingNotifier struct {
	mu       sync.Mutex
	turns    int
	gameOver int
}

func (n *countingNotifier) NotifyTurn(context.Context, *domain.GameSession, domain.Side, string) []notify.Delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.turns++
	return nil
}

func (n *countingNotifier) NotifyGameOver(context.Context, *domain.GameSession, string) []notify.Delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.gameOver++
	return nil
}

type scriptedProvider struct {
	mu    sync.Mutex
	moves []string
	errs  []error
	calls int
}

func (s *scriptedProvider) BestMove(context.Context, string, int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if len(s.moves) == 0 {
		return "", errors.New("script exhausted")
	}
	mv := s.moves[0]
	if len(s.moves) > 1 {
		s.moves = s.moves[1:]
	}
	return mv, nil
}

func newTestSessions(t *testing.T) *store.Sessions {
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
	return store.NewSessions(rdb, 0)
}

func insertPvP(t *testing.T, sessions *store.Sessions, id string) *domain.GameSession {
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
	if err := sessions.Insert(context.Background(), g); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return g
}

func insertSolo(t *testing.T, sessions *store.Sessions, id string, level int) *domain.GameSession {
	t.Helper()
	now := time.Now()
	g := &domain.GameSession{
		ID:            id,
		OriginChannel: "chan-1",
		Players: map[domain.Side]domain.PlayerInfo{
			domain.SideWhite: {UserID: "u1", DisplayName: "Alice"},
			domain.SideBlack: {UserID: "cpu", IsComputer: true},
		},
		FEN:           domain.StartFEN,
		Mode:          domain.ModeAI,
		ComputerLevel: level,
		Status:        domain.StatusActive,
		CreatedAt:     now,
		LastMoveAt:    now,
	}
	if err := sessions.Insert(context.Background(), g); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return g
}

func newTestPipeline(t *testing.T, sessions *store.Sessions, provider *scriptedProvider) (*Pipeline, *recordingBroadcaster, *countingRecorder) {
	t.Helper()
	if provider == nil {
		provider = &scriptedProvider{}
	}
	p := NewPipeline(Config{
		AIMoveDelay: 5 * time.Millisecond,
		AITimeout:   time.Second,
		RetireGrace: time.Hour,
	}, sessions, provider)
	b := &recordingBroadcaster{}
	rec := &countingRecorder{}
	p.AttachHub(b, nil)
	p.AttachRecorder(rec)
	return p, b, rec
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSubmitMoveAppliesAndBroadcasts(t *testing.T) {
	sessions := newTestSessions(t)
	p, b, _ := newTestPipeline(t, sessions, nil)
	insertPvP(t, sessions, "g1")
	ctx := context.Background()

	u, err := p.SubmitMove(ctx, "g1", domain.SideWhite, "e2 e4")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if u.Turn != "b" || len(u.SAN) != 1 || u.SAN[0] != "e4" {
		t.Fatalf("unexpected update: %+v", u)
	}
	if u.Winner != nil || u.IsDraw || u.IsCheckmate {
		t.Fatalf("active game flagged terminal: %+v", u)
	}
	if b.updateCount() != 1 {
		t.Fatalf("expected 1 broadcast, got %d", b.updateCount())
	}

	stored, err := sessions.Get(ctx, "g1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.FEN == domain.StartFEN || len(stored.MovesUCI) != 1 {
		t.Fatalf("session not persisted: %+v", stored)
	}
}

func TestSubmitMoveRejectionsMutateNothing(t *testing.T) {
	sessions := newTestSessions(t)
	p, b, _ := newTestPipeline(t, sessions, nil)
	insertPvP(t, sessions, "g1")
	ctx := context.Background()

	cases := []struct {
		name string
		id   string
		side domain.Side
		raw  string
		want error
	}{
		{"unknown session", "missing", domain.SideWhite, "e2e4", ErrSessionNotFound},
		{"wrong turn", "g1", domain.SideBlack, "e7e5", ErrWrongTurn},
		{"bad format", "g1", domain.SideWhite, "hello", ErrInvalidFormat},
		{"illegal move", "g1", domain.SideWhite, "e2e5", ErrIllegalMove},
	}
	for _, tc := range cases {
		if _, err := p.SubmitMove(ctx, tc.id, tc.side, tc.raw); !errors.Is(err, tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.name, err, tc.want)
		}
		if !IsRejection(tc.want) {
			t.Fatalf("%s: sentinel not classified as rejection", tc.name)
		}
	}

	if b.updateCount() != 0 {
		t.Fatalf("rejections broadcast %d updates", b.updateCount())
	}
	stored, _ := sessions.Get(ctx, "g1")
	if stored.FEN != domain.StartFEN || len(stored.MovesUCI) != 0 {
		t.Fatalf("rejection mutated session: %+v", stored)
	}
}

func TestResignTerminalTransition(t *testing.T) {
	sessions := newTestSessions(t)
	p, b, rec := newTestPipeline(t, sessions, nil)
	insertPvP(t, sessions, "g1")
	ctx := context.Background()

	u, err := p.Resign(ctx, "g1", domain.SideWhite)
	if err != nil {
		t.Fatalf("resign: %v", err)
	}
	if u.Winner == nil || *u.Winner != "black" {
		t.Fatalf("resignation winner: %+v", u)
	}
	if rec.count() != 1 {
		t.Fatalf("recorder calls: %d", rec.count())
	}
	if b.updateCount() != 1 {
		t.Fatalf("broadcasts: %d", b.updateCount())
	}

	// Terminal session rejects everything, and the outcome is recorded once.
	if _, err := p.SubmitMove(ctx, "g1", domain.SideBlack, "e7e5"); !errors.Is(err, ErrGameOver) {
		t.Fatalf("expected ErrGameOver, got %v", err)
	}
	if _, err := p.Resign(ctx, "g1", domain.SideBlack); !errors.Is(err, ErrGameOver) {
		t.Fatalf("double resign: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("terminal transition recorded twice: %d", rec.count())
	}
}

func TestCheckmateEndsGameOnce(t *testing.T) {
	sessions := newTestSessions(t)
	p, b, rec := newTestPipeline(t, sessions, nil)
	notifier := &countingNotifier{}
	p.AttachNotifier(notifier)
	insertPvP(t, sessions, "g1")
	ctx := context.Background()

	moves := []struct {
		side domain.Side
		raw  string
	}{
		{domain.SideWhite, "f2f3"},
		{domain.SideBlack, "e7e5"},
		{domain.SideWhite, "g2g4"},
		{domain.SideBlack, "d8h4"},
	}
	var last *wsdto.Update
	for _, m := range moves {
		u, err := p.SubmitMove(ctx, "g1", m.side, m.raw)
		if err != nil {
			t.Fatalf("submit %s: %v", m.raw, err)
		}
		last = u
	}

	if !last.IsCheckmate || last.Winner == nil || *last.Winner != "black" {
		t.Fatalf("mate update: %+v", last)
	}
	if rec.count() != 1 {
		t.Fatalf("recorder calls: %d", rec.count())
	}
	if got := rec.calls[0]; got.Status != domain.StatusFinished || got.Winner != domain.SideBlack {
		t.Fatalf("recorded session: %+v", got)
	}
	if b.updateCount() != len(moves) {
		t.Fatalf("broadcasts: %d", b.updateCount())
	}
	waitFor(t, func() bool {
		notifier.mu.Lock()
		defer notifier.mu.Unlock()
		return notifier.gameOver == 1
	}, "game over notification not sent")
}

func TestComputerRepliesAfterHumanMove(t *testing.T) {
	sessions := newTestSessions(t)
	provider := &scriptedProvider{moves: []string{"e7e5"}}
	p, b, _ := newTestPipeline(t, sessions, provider)
	insertSolo(t, sessions, "solo-1", 9)
	ctx := context.Background()

	if _, err := p.SubmitMove(ctx, "solo-1", domain.SideWhite, "e2e4"); err != nil {
		t.Fatalf("human move: %v", err)
	}

	waitFor(t, func() bool { return b.updateCount() >= 2 }, "computer reply never arrived")

	stored, _ := sessions.Get(ctx, "solo-1")
	if len(stored.MovesUCI) != 2 || stored.MovesUCI[1] != "e7e5" {
		t.Fatalf("computer move not applied: %v", stored.MovesUCI)
	}
}

func TestComputerRetriesOnceThenSucceeds(t *testing.T) {
	sessions := newTestSessions(t)
	provider := &scriptedProvider{
		moves: []string{"e7e5"},
		errs:  []error{errors.New("engine hiccup"), nil},
	}
	p, b, _ := newTestPipeline(t, sessions, provider)
	insertSolo(t, sessions, "solo-1", 3)

	if _, err := p.SubmitMove(context.Background(), "solo-1", domain.SideWhite, "e2e4"); err != nil {
		t.Fatalf("human move: %v", err)
	}
	waitFor(t, func() bool { return b.updateCount() >= 2 }, "retried computer reply never arrived")
}

func TestComputerDoubleFailureLeavesTurnUnresolved(t *testing.T) {
	sessions := newTestSessions(t)
	provider := &scriptedProvider{
		errs: []error{errors.New("down"), errors.New("still down")},
	}
	p, _, _ := newTestPipeline(t, sessions, provider)
	insertSolo(t, sessions, "solo-1", 3)
	ctx := context.Background()

	if _, err := p.SubmitMove(ctx, "solo-1", domain.SideWhite, "e2e4"); err != nil {
		t.Fatalf("human move: %v", err)
	}

	waitFor(t, func() bool {
		provider.mu.Lock()
		defer provider.mu.Unlock()
		return provider.calls >= 2
	}, "provider not retried")
	time.Sleep(20 * time.Millisecond)

	stored, err := sessions.Get(ctx, "solo-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(stored.MovesUCI) != 1 || stored.Terminal() {
		t.Fatalf("session changed after failed computer turn: %+v", stored)
	}
}

func TestEnsureComputerTurnKicksPendingReply(t *testing.T) {
	sessions := newTestSessions(t)
	provider := &scriptedProvider{moves: []string{"d7d5"}}
	p, b, _ := newTestPipeline(t, sessions, provider)

	g := insertSolo(t, sessions, "solo-1", 3)
	// Simulate a restart that lost the scheduled reply: black (computer) on turn.
	g.FEN = "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq - 0 1"
	g.MovesUCI = []string{"e2e4"}
	g.MovesSAN = []string{"e4"}
	if err := sessions.Update(context.Background(), g); err != nil {
		t.Fatalf("update: %v", err)
	}

	p.EnsureComputerTurn(context.Background(), "solo-1")
	waitFor(t, func() bool { return b.updateCount() >= 1 }, "pending computer turn not resumed")
}

func TestRetireGraceDeletesFinishedSession(t *testing.T) {
	sessions := newTestSessions(t)
	p := NewPipeline(Config{
		AIMoveDelay: 5 * time.Millisecond,
		AITimeout:   time.Second,
		RetireGrace: 10 * time.Millisecond,
	}, sessions, &scriptedProvider{})
	b := &recordingBroadcaster{}
	p.AttachHub(b, nil)
	insertPvP(t, sessions, "g1")
	ctx := context.Background()

	if _, err := p.Resign(ctx, "g1", domain.SideBlack); err != nil {
		t.Fatalf("resign: %v", err)
	}
	waitFor(t, func() bool {
		_, err := sessions.Get(ctx, "g1")
		return errors.Is(err, ErrSessionNotFound)
	}, "finished session not retired")
	waitFor(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.purged) == 1
	}, "clients not purged after retirement")
}
