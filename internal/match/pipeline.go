// Package match applies moves to game sessions: validation, persistence,
// fan-out, terminal handling, and the computer opponent's turn.
package match

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spressbot/spress/internal/domain"
	"github.com/spressbot/spress/internal/engine"
	"github.com/spressbot/spress/internal/lock"
	"github.com/spressbot/spress/internal/notify"
	"github.com/spressbot/spress/internal/obslog"
	"github.com/spressbot/spress/internal/rules"
	"github.com/spressbot/spress/internal/store"
	"github.com/spressbot/spress/pkg/wsdto"
)

// Broadcaster fans session events out to connected board clients.
type Broadcaster interface {
	BroadcastUpdate(sessionID string, u wsdto.Update)
	NotifySession(sessionID string, messageType string)
	PurgeSession(sessionID string)
}

// EngineHost caches one rules engine per session, re-synced to the
// authoritative FEN when stale.
type EngineHost interface {
	Engine(sessionID, fen string) (*rules.Engine, error)
	DropEngine(sessionID string)
}

// Recorder persists final outcomes.
type Recorder interface {
	RecordOutcome(ctx context.Context, g *domain.GameSession) error
}

// Archiver stores finished games long-term.
type Archiver interface {
	SaveResult(ctx context.Context, g *domain.GameSession) error
}

// Notifier delivers turn and game-over messages to chat.
type Notifier interface {
	NotifyTurn(ctx context.Context, g *domain.GameSession, toMove domain.Side, lastSAN string) []notify.Delivery
	NotifyGameOver(ctx context.Context, g *domain.GameSession, text string) []notify.Delivery
}

// Config carries the pipeline's timing knobs.
type Config struct {
	AIMoveDelay time.Duration
	AITimeout   time.Duration
	RetireGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.AIMoveDelay <= 0 {
		c.AIMoveDelay = 800 * time.Millisecond
	}
	if c.AITimeout <= 0 {
		c.AITimeout = 10 * time.Second
	}
	if c.RetireGrace <= 0 {
		c.RetireGrace = 5 * time.Second
	}
	return c
}

// Pipeline serializes all mutations of a session behind a per-session lock.
type Pipeline struct {
	cfg      Config
	locks    *lock.Keyed
	sessions *store.Sessions
	provider engine.MoveProvider

	recorder    Recorder
	archive     Archiver
	notifier    Notifier
	broadcaster Broadcaster
	host        EngineHost

	mu        sync.Mutex
	aiPending map[string]bool
}

func NewPipeline(cfg Config, sessions *store.Sessions, provider engine.MoveProvider) *Pipeline {
	return &Pipeline{
		cfg:       cfg.withDefaults(),
		locks:     lock.NewKeyed(),
		sessions:  sessions,
		provider:  provider,
		aiPending: make(map[string]bool),
	}
}

// AttachHub wires the synchronization hub after construction; the hub needs
// the pipeline and the pipeline needs the hub's ports.
func (p *Pipeline) AttachHub(b Broadcaster, h EngineHost) {
	p.broadcaster = b
	p.host = h
}

func (p *Pipeline) AttachRecorder(r Recorder) { p.recorder = r }
func (p *Pipeline) AttachArchive(a Archiver)  { p.archive = a }
func (p *Pipeline) AttachNotifier(n Notifier) { p.notifier = n }

// SubmitMove validates and applies one move for side. Rejections leave the
// session, the rules state, and the connected clients untouched.
func (p *Pipeline) SubmitMove(ctx context.Context, sessionID string, side domain.Side, raw string) (*wsdto.Update, error) {
	var out *wsdto.Update
	err := p.locks.Do(ctx, sessionID, func(ctx context.Context) error {
		u, err := p.applyMove(ctx, sessionID, side, raw)
		out = u
		return err
	})
	return out, err
}

func (p *Pipeline) applyMove(ctx context.Context, sessionID string, side domain.Side, raw string) (*wsdto.Update, error) {
	g, err := p.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if g.Terminal() {
		return nil, ErrGameOver
	}
	if _, ok := g.Players[side]; !ok || !side.Valid() {
		return nil, ErrWrongTurn
	}

	eng, err := p.engineFor(g)
	if err != nil {
		p.retireCorrupted(ctx, g, err)
		return nil, err
	}
	if eng.SideToMove() != side {
		return nil, ErrWrongTurn
	}

	parsed, err := rules.ParseMove(raw)
	if err != nil {
		return nil, err
	}

	res, err := eng.Apply(parsed)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	g.FEN = eng.FEN()
	g.MovesUCI = append(g.MovesUCI, res.UCI)
	g.MovesSAN = append(g.MovesSAN, res.SAN)
	g.InCheck = res.IsCheck
	g.LastMoveAt = now
	if res.Terminal {
		if res.IsDraw {
			g.Status = domain.StatusDraw
		} else {
			g.Status = domain.StatusFinished
			g.Winner = res.Winner
		}
		g.EndReason = res.Method
	}

	if err := p.sessions.Update(ctx, g); err != nil {
		return nil, fmt.Errorf("persist move: %w", err)
	}

	u := BuildUpdate(g, res)
	if p.broadcaster != nil {
		p.broadcaster.BroadcastUpdate(g.ID, u)
	}

	obslog.L().Info("move_applied",
		zap.String("session_id", g.ID),
		zap.String("side", string(side)),
		zap.String("uci", res.UCI),
		zap.String("san", res.SAN),
		zap.Bool("terminal", res.Terminal),
	)

	if res.Terminal {
		p.finishGame(ctx, g)
	} else {
		next := side.Opponent()
		if p.notifier != nil {
			snapshot := *g
			go p.notifier.NotifyTurn(context.Background(), &snapshot, next, res.SAN)
		}
		if g.Mode == domain.ModeAI && g.Players[next].IsComputer {
			p.scheduleComputer(g.ID, next, g.ComputerLevel)
		}
	}
	return &u, nil
}

// Resign ends the game in the opponent's favor. It is the only terminal
// transition besides checkmate and draw detection.
func (p *Pipeline) Resign(ctx context.Context, sessionID string, side domain.Side) (*wsdto.Update, error) {
	var out *wsdto.Update
	err := p.locks.Do(ctx, sessionID, func(ctx context.Context) error {
		g, err := p.sessions.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if g.Terminal() {
			return ErrGameOver
		}
		if _, ok := g.Players[side]; !ok || !side.Valid() {
			return ErrWrongTurn
		}

		g.Status = domain.StatusResigned
		g.Winner = side.Opponent()
		g.EndReason = "resignation"
		g.LastMoveAt = time.Now()
		if err := p.sessions.Update(ctx, g); err != nil {
			return fmt.Errorf("persist resignation: %w", err)
		}

		u := BuildUpdate(g, nil)
		if p.broadcaster != nil {
			p.broadcaster.BroadcastUpdate(g.ID, u)
		}
		obslog.L().Info("game_resigned",
			zap.String("session_id", g.ID),
			zap.String("side", string(side)),
		)
		p.finishGame(ctx, g)
		out = &u
		return nil
	})
	return out, err
}

// EnsureComputerTurn schedules the computer's move when it is on turn in an
// active solo session. Safe to call repeatedly.
func (p *Pipeline) EnsureComputerTurn(ctx context.Context, sessionID string) {
	g, err := p.sessions.Get(ctx, sessionID)
	if err != nil || g.Terminal() || g.Mode != domain.ModeAI {
		return
	}
	toMove := turnFromFEN(g.FEN)
	if g.Players[toMove].IsComputer {
		p.scheduleComputer(g.ID, toMove, g.ComputerLevel)
	}
}

func (p *Pipeline) engineFor(g *domain.GameSession) (*rules.Engine, error) {
	if p.host != nil {
		return p.host.Engine(g.ID, g.FEN)
	}
	return rules.Load(g.FEN)
}

// retireCorrupted drops a session whose stored position cannot be loaded:
// clients are told, then the record and its clients go away.
func (p *Pipeline) retireCorrupted(ctx context.Context, g *domain.GameSession, cause error) {
	obslog.L().Error("session_corrupted",
		zap.String("session_id", g.ID),
		zap.String("fen", g.FEN),
		zap.Error(cause),
	)
	if p.broadcaster != nil {
		p.broadcaster.NotifySession(g.ID, wsdto.TypeSessionCorrupted)
	}
	if err := p.sessions.Delete(ctx, g.ID); err != nil {
		obslog.L().Warn("corrupted_session_delete_failed", zap.String("session_id", g.ID), zap.Error(err))
	}
	if p.host != nil {
		p.host.DropEngine(g.ID)
	}
	if p.broadcaster != nil {
		p.broadcaster.PurgeSession(g.ID)
	}
}

// finishGame runs the single terminal transition's side effects: recording,
// archiving, chat announcement, and delayed retirement of the session.
func (p *Pipeline) finishGame(ctx context.Context, g *domain.GameSession) {
	if p.recorder != nil {
		if err := p.recorder.RecordOutcome(ctx, g); err != nil {
			obslog.L().Warn("outcome_record_failed", zap.String("session_id", g.ID), zap.Error(err))
		}
	}
	if p.archive != nil {
		if err := p.archive.SaveResult(ctx, g); err != nil {
			obslog.L().Warn("archive_failed", zap.String("session_id", g.ID), zap.Error(err))
		}
	}
	if p.notifier != nil {
		snapshot := *g
		go p.notifier.NotifyGameOver(context.Background(), &snapshot, gameOverText(&snapshot))
	}

	sessionID := g.ID
	time.AfterFunc(p.cfg.RetireGrace, func() {
		bg := context.Background()
		if err := p.sessions.Delete(bg, sessionID); err != nil {
			obslog.L().Warn("session_retire_failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		if p.host != nil {
			p.host.DropEngine(sessionID)
		}
		if p.broadcaster != nil {
			p.broadcaster.PurgeSession(sessionID)
		}
		obslog.L().Info("session_retired", zap.String("session_id", sessionID))
	})
}

func (p *Pipeline) scheduleComputer(sessionID string, side domain.Side, level int) {
	p.mu.Lock()
	if p.aiPending[sessionID] {
		p.mu.Unlock()
		return
	}
	p.aiPending[sessionID] = true
	p.mu.Unlock()

	time.AfterFunc(p.cfg.AIMoveDelay, func() {
		defer func() {
			p.mu.Lock()
			delete(p.aiPending, sessionID)
			p.mu.Unlock()
		}()
		p.runComputerTurn(sessionID, side, level)
	})
}

func (p *Pipeline) runComputerTurn(sessionID string, side domain.Side, level int) {
	ctx := context.Background()
	g, err := p.sessions.Get(ctx, sessionID)
	if err != nil || g.Terminal() {
		return
	}

	depth := level / 3
	if depth < 2 {
		depth = 2
	}

	uci, err := p.bestMoveWithRetry(ctx, g.FEN, depth)
	if err != nil {
		obslog.L().Error("computer_move_failure",
			zap.String("session_id", sessionID),
			zap.Int("depth", depth),
			zap.Error(err),
		)
		return
	}

	if _, err := p.SubmitMove(ctx, sessionID, side, uci); err != nil {
		obslog.L().Error("computer_move_failure",
			zap.String("session_id", sessionID),
			zap.String("uci", uci),
			zap.Error(err),
		)
	}
}

func (p *Pipeline) bestMoveWithRetry(ctx context.Context, fen string, depth int) (string, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, p.cfg.AITimeout)
		uci, err := p.provider.BestMove(cctx, fen, depth)
		cancel()
		if err == nil {
			return uci, nil
		}
		lastErr = err
	}
	return "", lastErr
}

// BuildUpdate renders the wire snapshot of a session. res carries capture
// details for the move that produced this state; nil for plain snapshots.
func BuildUpdate(g *domain.GameSession, res *rules.MoveResult) wsdto.Update {
	u := wsdto.Update{
		Type:      wsdto.TypeUpdate,
		FEN:       g.FEN,
		SAN:       append([]string(nil), g.MovesSAN...),
		Turn:      string(turnFromFEN(g.FEN)),
		IsInCheck: g.InCheck,
		IsDraw:    g.Status == domain.StatusDraw,
	}
	if g.Winner.Valid() {
		w := g.Winner.Label()
		u.Winner = &w
	}
	if g.EndReason == "checkmate" {
		u.IsCheckmate = true
	}
	if res != nil {
		u.Captured = res.Captured
		u.CaptureSquare = res.CaptureSquare
	}
	return u
}

func turnFromFEN(fen string) domain.Side {
	fields := strings.Fields(fen)
	if len(fields) > 1 && fields[1] == "b" {
		return domain.SideBlack
	}
	return domain.SideWhite
}

func gameOverText(g *domain.GameSession) string {
	switch {
	case g.Status == domain.StatusDraw:
		return "Game drawn."
	case g.Winner.Valid():
		name := g.Players[g.Winner].DisplayName
		if name == "" {
			name = g.Winner.Label()
		}
		if g.EndReason == "resignation" {
			loser := g.Players[g.Winner.Opponent()].DisplayName
			if loser == "" {
				loser = g.Winner.Opponent().Label()
			}
			return fmt.Sprintf("%s resigned. %s wins.", loser, name)
		}
		return fmt.Sprintf("Checkmate. %s wins.", name)
	default:
		return "Game over."
	}
}
