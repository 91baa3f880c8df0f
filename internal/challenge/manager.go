// Package challenge manages the pending pre-game handshake between players.
package challenge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spressbot/spress/internal/domain"
	"github.com/spressbot/spress/internal/obslog"
	"github.com/spressbot/spress/internal/store"
)

var (
	// ErrChallengeNotFound reports a challenge id that is unknown or expired.
	ErrChallengeNotFound = errors.New("challenge not found")
	// ErrNotYourChallenge reports an accept attempt by someone other than the
	// named opponent. The challenge stays pending.
	ErrNotYourChallenge = errors.New("challenge is addressed to someone else")
	// ErrSelfAccept reports a challenger trying to accept their own challenge.
	ErrSelfAccept = errors.New("cannot accept your own challenge")
)

const defaultTTL = 5 * time.Minute

// ExpireFunc is invoked once when a pending challenge times out.
type ExpireFunc func(ch domain.PendingChallenge)

type pending struct {
	ch    domain.PendingChallenge
	timer *time.Timer
}

// Manager owns pending challenges. Sessions are pre-allocated an id at issue
// time so the eventual game keeps the id clients were told about.
type Manager struct {
	sessions *store.Sessions
	ttl      time.Duration
	onExpire ExpireFunc

	mu      sync.Mutex
	pending map[string]*pending
}

func NewManager(sessions *store.Sessions, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Manager{
		sessions: sessions,
		ttl:      ttl,
		pending:  make(map[string]*pending),
	}
}

// OnExpire registers the expiry hook, used to edit the original challenge
// message once the window closes.
func (m *Manager) OnExpire(fn ExpireFunc) { m.onExpire = fn }

// Issue records a new challenge and starts its expiry timer. opponentID may
// be empty for an open challenge anyone in the channel can accept.
func (m *Manager) Issue(originChannel string, challenger domain.PlayerInfo, opponentID, opponentName string) *domain.PendingChallenge {
	ch := domain.PendingChallenge{
		SessionID:     uuid.NewString(),
		OriginChannel: originChannel,
		Challenger:    challenger,
		OpponentID:    opponentID,
		OpponentName:  opponentName,
		CreatedAt:     time.Now(),
	}

	p := &pending{ch: ch}
	p.timer = time.AfterFunc(m.ttl, func() { m.expire(ch.SessionID) })

	m.mu.Lock()
	m.pending[ch.SessionID] = p
	m.mu.Unlock()

	obslog.L().Info("challenge_issued",
		zap.String("session_id", ch.SessionID),
		zap.String("challenger", challenger.UserID),
		zap.String("opponent", opponentID),
	)
	return &ch
}

func (m *Manager) expire(sessionID string) {
	m.mu.Lock()
	p, ok := m.pending[sessionID]
	if ok {
		delete(m.pending, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	obslog.L().Info("challenge_expired", zap.String("session_id", sessionID))
	if m.onExpire != nil {
		m.onExpire(p.ch)
	}
}

// Get returns a pending challenge without consuming it.
func (m *Manager) Get(sessionID string) (*domain.PendingChallenge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[sessionID]
	if !ok {
		return nil, false
	}
	ch := p.ch
	return &ch, true
}

// Accept consumes a pending challenge and creates the game session, with the
// challenger as white and the acceptor as black. A challenge addressed to a
// specific opponent rejects everyone else without being consumed.
func (m *Manager) Accept(ctx context.Context, sessionID string, acceptor domain.PlayerInfo) (*domain.GameSession, error) {
	m.mu.Lock()
	p, ok := m.pending[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrChallengeNotFound
	}
	if acceptor.UserID == p.ch.Challenger.UserID {
		m.mu.Unlock()
		return nil, ErrSelfAccept
	}
	if p.ch.OpponentID != "" && p.ch.OpponentID != acceptor.UserID {
		m.mu.Unlock()
		return nil, ErrNotYourChallenge
	}
	delete(m.pending, sessionID)
	p.timer.Stop()
	m.mu.Unlock()

	now := time.Now()
	g := &domain.GameSession{
		ID:            sessionID,
		OriginChannel: p.ch.OriginChannel,
		Players: map[domain.Side]domain.PlayerInfo{
			domain.SideWhite: p.ch.Challenger,
			domain.SideBlack: acceptor,
		},
		FEN:        domain.StartFEN,
		Mode:       domain.ModePvP,
		Status:     domain.StatusActive,
		CreatedAt:  now,
		LastMoveAt: now,
	}
	if err := m.sessions.Insert(ctx, g); err != nil {
		// put the challenge back so a retry can still succeed
		m.restore(p)
		return nil, err
	}

	obslog.L().Info("challenge_accepted",
		zap.String("session_id", sessionID),
		zap.String("acceptor", acceptor.UserID),
	)
	return g, nil
}

func (m *Manager) restore(p *pending) {
	m.mu.Lock()
	defer m.mu.Unlock()
	remaining := m.ttl - time.Since(p.ch.CreatedAt)
	if remaining <= 0 {
		return
	}
	p.timer = time.AfterFunc(remaining, func() { m.expire(p.ch.SessionID) })
	m.pending[p.ch.SessionID] = p
}

// CreateSolo starts a game against the computer immediately, with no pending
// phase. The human plays white.
func (m *Manager) CreateSolo(ctx context.Context, originChannel string, user domain.PlayerInfo, level int) (*domain.GameSession, error) {
	if level < 1 {
		level = 1
	}
	now := time.Now()
	g := &domain.GameSession{
		ID:            "solo-" + uuid.NewString(),
		OriginChannel: originChannel,
		Players: map[domain.Side]domain.PlayerInfo{
			domain.SideWhite: user,
			domain.SideBlack: {UserID: "computer", DisplayName: "Computer", IsComputer: true},
		},
		FEN:           domain.StartFEN,
		Mode:          domain.ModeAI,
		ComputerLevel: level,
		Status:        domain.StatusActive,
		CreatedAt:     now,
		LastMoveAt:    now,
	}
	if err := m.sessions.Insert(ctx, g); err != nil {
		return nil, err
	}

	obslog.L().Info("solo_game_created",
		zap.String("session_id", g.ID),
		zap.String("user", user.UserID),
		zap.Int("level", level),
	)
	return g, nil
}

// PendingCount reports how many challenges are awaiting acceptance.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
