// Package stats records game outcomes per player and serves ratings.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spressbot/spress/internal/domain"
	"github.com/spressbot/spress/internal/obslog"
)

const (
	initialRating = 1000
	eloK          = 32
)

func statsKey(userID string) string { return "stats:user:" + strings.TrimSpace(userID) }

func channelKey(channel string) string { return "stats:channel:" + strings.TrimSpace(channel) }

// Recorder persists per-player counters and ratings in Redis.
type Recorder struct {
	rdb *redis.Client
}

func NewRecorder(rdb *redis.Client) *Recorder {
	return &Recorder{rdb: rdb}
}

// Get returns the stored stats for a user, or zeroed stats at the initial
// rating when none exist.
func (r *Recorder) Get(ctx context.Context, userID string) (*domain.PlayerStats, error) {
	raw, err := r.rdb.Get(ctx, statsKey(userID)).Bytes()
	if err == redis.Nil {
		return &domain.PlayerStats{Rating: initialRating}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load stats %s: %w", userID, err)
	}
	var s domain.PlayerStats
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode stats %s: %w", userID, err)
	}
	if s.Rating == 0 {
		s.Rating = initialRating
	}
	return &s, nil
}

// RecordOutcome updates both participants of a finished session. Computer
// seats are skipped. Ratings move only for player-versus-player games; solo
// games touch the solo counters alone. The whole update runs inside a WATCH
// transaction over the participating keys so concurrent recordings retry.
func (r *Recorder) RecordOutcome(ctx context.Context, g *domain.GameSession) error {
	if g == nil || !g.Terminal() {
		return fmt.Errorf("session not terminal")
	}

	var keys []string
	for _, side := range []domain.Side{domain.SideWhite, domain.SideBlack} {
		if p := g.Players[side]; !p.IsComputer && p.UserID != "" {
			keys = append(keys, statsKey(p.UserID))
		}
	}
	if len(keys) == 0 {
		return nil
	}

	update := func(tx *redis.Tx) error {
		white, err := r.loadTx(ctx, tx, g.Players[domain.SideWhite])
		if err != nil {
			return err
		}
		black, err := r.loadTx(ctx, tx, g.Players[domain.SideBlack])
		if err != nil {
			return err
		}

		applyCounters(white, g, domain.SideWhite)
		applyCounters(black, g, domain.SideBlack)

		if g.Mode == domain.ModePvP && white != nil && black != nil {
			sw := score(g, domain.SideWhite)
			sb := score(g, domain.SideBlack)
			rw, rb := white.Rating, black.Rating
			white.Rating = eloUpdate(rw, rb, sw)
			black.Rating = eloUpdate(rb, rw, sb)
		}

		pipe := tx.TxPipeline()
		r.storeTx(ctx, pipe, g, domain.SideWhite, white)
		r.storeTx(ctx, pipe, g, domain.SideBlack, black)
		_, err = pipe.Exec(ctx)
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := r.rdb.Watch(ctx, update, keys...)
		if err == nil {
			obslog.L().Info("outcome_recorded",
				zap.String("session_id", g.ID),
				zap.String("mode", string(g.Mode)),
				zap.String("winner", string(g.Winner)),
			)
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("record outcome %s: %w", g.ID, err)
		}
	}
	return fmt.Errorf("record outcome %s: transaction kept failing", g.ID)
}

func (r *Recorder) loadTx(ctx context.Context, tx *redis.Tx, p domain.PlayerInfo) (*domain.PlayerStats, error) {
	if p.IsComputer || p.UserID == "" {
		return nil, nil
	}
	raw, err := tx.Get(ctx, statsKey(p.UserID)).Bytes()
	if err == redis.Nil {
		return &domain.PlayerStats{Rating: initialRating}, nil
	}
	if err != nil {
		return nil, err
	}
	var s domain.PlayerStats
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	if s.Rating == 0 {
		s.Rating = initialRating
	}
	return &s, nil
}

func (r *Recorder) storeTx(ctx context.Context, pipe redis.Pipeliner, g *domain.GameSession, side domain.Side, s *domain.PlayerStats) {
	if s == nil {
		return
	}
	p := g.Players[side]
	if p.DisplayName != "" {
		s.DisplayName = p.DisplayName
	}
	if g.OriginChannel != "" && !containsString(s.Channels, g.OriginChannel) {
		s.Channels = append(s.Channels, g.OriginChannel)
	}
	raw, _ := json.Marshal(s)
	pipe.Set(ctx, statsKey(p.UserID), raw, 0)
	if g.OriginChannel != "" {
		pipe.SAdd(ctx, channelKey(g.OriginChannel), p.UserID)
	}
}

func applyCounters(s *domain.PlayerStats, g *domain.GameSession, side domain.Side) {
	if s == nil {
		return
	}
	switch {
	case g.Status == domain.StatusDraw:
		if g.Mode == domain.ModePvP {
			s.PvPDraws++
		} else {
			s.SoloDraws++
		}
	case g.Winner == side:
		if g.Mode == domain.ModePvP {
			s.PvPWins++
		} else {
			s.SoloWins++
		}
	default:
		if g.Mode == domain.ModePvP {
			s.PvPLosses++
		} else {
			s.SoloLosses++
		}
	}
}

func score(g *domain.GameSession, side domain.Side) float64 {
	switch {
	case g.Status == domain.StatusDraw:
		return 0.5
	case g.Winner == side:
		return 1
	default:
		return 0
	}
}

func eloUpdate(rating, opponent int, score float64) int {
	expected := 1 / (1 + math.Pow(10, float64(opponent-rating)/400))
	return int(math.Round(float64(rating) + eloK*(score-expected)))
}

// Entry is one leaderboard row.
type Entry struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	Rating      int    `json:"rating"`
	PvPWins     int    `json:"pvp_wins"`
}

// Leaderboard returns the top-rated players who have played in channel.
func (r *Recorder) Leaderboard(ctx context.Context, channel string, n int) ([]Entry, error) {
	if n <= 0 {
		n = 10
	}
	ids, err := r.rdb.SMembers(ctx, channelKey(channel)).Result()
	if err != nil {
		return nil, fmt.Errorf("list channel players: %w", err)
	}

	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		s, err := r.Get(ctx, id)
		if err != nil {
			obslog.L().Warn("leaderboard_load_failed", zap.String("user_id", id), zap.Error(err))
			continue
		}
		entries = append(entries, Entry{
			UserID:      id,
			DisplayName: s.DisplayName,
			Rating:      s.Rating,
			PvPWins:     s.PvPWins,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Rating != entries[j].Rating {
			return entries[i].Rating > entries[j].Rating
		}
		return entries[i].UserID < entries[j].UserID
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
