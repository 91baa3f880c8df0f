// Package store persists game sessions in Redis and finished games in
// Postgres.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spressbot/spress/internal/domain"
	"github.com/spressbot/spress/internal/obslog"
)

// ErrSessionNotFound reports a session id with no stored record.
var ErrSessionNotFound = errors.New("session not found")

const defaultSessionTTL = 24 * time.Hour

func sessionKey(id string) string { return "game:session:" + strings.TrimSpace(id) }

const sessionIndexKey = "game:session:index"

// Sessions is the Redis-backed session registry.
type Sessions struct {
	rdb *redis.Client
	ttl time.Duration
}

// Open connects to Redis at redisURL and verifies the connection.
func Open(redisURL string) (*redis.Client, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required")
	}
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func NewSessions(rdb *redis.Client, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &Sessions{rdb: rdb, ttl: ttl}
}

func (s *Sessions) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

// Insert stores a new session record and adds it to the active index.
func (s *Sessions) Insert(ctx context.Context, g *domain.GameSession) error {
	if g == nil || strings.TrimSpace(g.ID) == "" {
		return fmt.Errorf("invalid session")
	}
	if err := s.write(ctx, g); err != nil {
		return err
	}
	if err := s.rdb.SAdd(ctx, sessionIndexKey, g.ID).Err(); err != nil {
		return fmt.Errorf("index session %s: %w", g.ID, err)
	}
	return nil
}

// Get loads a session by id. Missing records map to ErrSessionNotFound.
func (s *Sessions) Get(ctx context.Context, id string) (*domain.GameSession, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	var g domain.GameSession
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &g, nil
}

// Update rewrites an existing session record, refreshing its TTL.
func (s *Sessions) Update(ctx context.Context, g *domain.GameSession) error {
	return s.write(ctx, g)
}

func (s *Sessions) write(ctx context.Context, g *domain.GameSession) error {
	raw, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", g.ID, err)
	}
	if err := s.rdb.Set(ctx, sessionKey(g.ID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("store session %s: %w", g.ID, err)
	}
	return nil
}

// Delete removes a session record and its index entry.
func (s *Sessions) Delete(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return s.rdb.SRem(ctx, sessionIndexKey, id).Err()
}

// PurgeInactive removes terminal sessions and sessions whose last move is
// older than maxAge. Index entries whose record already expired are dropped
// too. Returns the number of sessions removed.
func (s *Sessions) PurgeInactive(ctx context.Context, maxAge time.Duration) (int, error) {
	ids, err := s.rdb.SMembers(ctx, sessionIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, id := range ids {
		g, err := s.Get(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			if err := s.rdb.SRem(ctx, sessionIndexKey, id).Err(); err == nil {
				removed++
			}
			continue
		}
		if err != nil {
			obslog.L().Warn("purge_session_load_failed", zap.String("session_id", id), zap.Error(err))
			continue
		}
		if !g.Terminal() && g.LastMoveAt.After(cutoff) {
			continue
		}
		if err := s.Delete(ctx, id); err != nil {
			obslog.L().Warn("purge_session_delete_failed", zap.String("session_id", id), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		obslog.L().Info("sessions_purged", zap.Int("count", removed))
	}
	return removed, nil
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
