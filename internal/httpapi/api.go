// Package httpapi exposes the game lifecycle over a small JSON API. It stands
// in for the chat command layer: issuing and accepting challenges, starting
// solo games, resigning, and reading stats.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/spressbot/spress/internal/challenge"
	"github.com/spressbot/spress/internal/domain"
	"github.com/spressbot/spress/internal/match"
	"github.com/spressbot/spress/internal/obslog"
	"github.com/spressbot/spress/internal/stats"
	"github.com/spressbot/spress/internal/store"
)

// API bundles the handlers' dependencies.
type API struct {
	sessions   *store.Sessions
	pipeline   *match.Pipeline
	challenges *challenge.Manager
	stats      *stats.Recorder
}

func New(sessions *store.Sessions, pipeline *match.Pipeline, challenges *challenge.Manager, recorder *stats.Recorder) *API {
	return &API{sessions: sessions, pipeline: pipeline, challenges: challenges, stats: recorder}
}

// Register mounts all routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("POST /api/challenges", a.handleIssueChallenge)
	mux.HandleFunc("POST /api/challenges/{id}/accept", a.handleAcceptChallenge)
	mux.HandleFunc("POST /api/solo", a.handleCreateSolo)
	mux.HandleFunc("GET /api/sessions/{id}", a.handleGetSession)
	mux.HandleFunc("POST /api/sessions/{id}/resign", a.handleResign)
	mux.HandleFunc("GET /api/stats/{user}", a.handleStats)
	mux.HandleFunc("GET /api/leaderboard", a.handleLeaderboard)
}

type playerPayload struct {
	UserID           string `json:"user_id"`
	DisplayName      string `json:"display_name"`
	PrivateChannelID string `json:"private_channel_id"`
}

func (p playerPayload) info() domain.PlayerInfo {
	return domain.PlayerInfo{
		UserID:           strings.TrimSpace(p.UserID),
		DisplayName:      strings.TrimSpace(p.DisplayName),
		PrivateChannelID: strings.TrimSpace(p.PrivateChannelID),
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleIssueChallenge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OriginChannel string        `json:"origin_channel"`
		Challenger    playerPayload `json:"challenger"`
		OpponentID    string        `json:"opponent_id"`
		OpponentName  string        `json:"opponent_name"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.OriginChannel == "" || req.Challenger.UserID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "origin_channel and challenger.user_id are required")
		return
	}

	ch := a.challenges.Issue(req.OriginChannel, req.Challenger.info(), req.OpponentID, req.OpponentName)
	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": ch.SessionID,
		"created_at": ch.CreatedAt,
	})
}

func (a *API) handleAcceptChallenge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Acceptor playerPayload `json:"acceptor"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Acceptor.UserID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "acceptor.user_id is required")
		return
	}

	g, err := a.challenges.Accept(r.Context(), r.PathValue("id"), req.Acceptor.info())
	switch {
	case errors.Is(err, challenge.ErrChallengeNotFound):
		writeError(w, http.StatusNotFound, "challenge_not_found", err.Error())
		return
	case errors.Is(err, challenge.ErrNotYourChallenge):
		writeError(w, http.StatusForbidden, "not_your_challenge", err.Error())
		return
	case errors.Is(err, challenge.ErrSelfAccept):
		writeError(w, http.StatusConflict, "self_accept", err.Error())
		return
	case err != nil:
		internalError(w, "accept_challenge", err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (a *API) handleCreateSolo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OriginChannel string        `json:"origin_channel"`
		User          playerPayload `json:"user"`
		Level         int           `json:"level"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.OriginChannel == "" || req.User.UserID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "origin_channel and user.user_id are required")
		return
	}

	g, err := a.challenges.CreateSolo(r.Context(), req.OriginChannel, req.User.info(), req.Level)
	if err != nil {
		internalError(w, "create_solo", err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	g, err := a.sessions.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if err != nil {
		internalError(w, "get_session", err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (a *API) handleResign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if !decode(w, r, &req) {
		return
	}

	sessionID := r.PathValue("id")
	g, err := a.sessions.Get(r.Context(), sessionID)
	if errors.Is(err, store.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if err != nil {
		internalError(w, "resign", err)
		return
	}
	side := g.SideOf(req.UserID)
	if side == "" {
		writeError(w, http.StatusForbidden, "not_a_player", "user is not seated in this game")
		return
	}

	u, err := a.pipeline.Resign(r.Context(), sessionID, side)
	if match.IsRejection(err) {
		writeError(w, http.StatusConflict, match.RejectionCode(err), err.Error())
		return
	}
	if err != nil {
		internalError(w, "resign", err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	s, err := a.stats.Get(r.Context(), r.PathValue("user"))
	if err != nil {
		internalError(w, "get_stats", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "channel is required")
		return
	}
	n := 10
	if raw := r.URL.Query().Get("n"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			n = v
		}
	}

	entries, err := a.stats.Leaderboard(r.Context(), channel, n)
	if err != nil {
		internalError(w, "leaderboard", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "request body must be valid JSON")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func internalError(w http.ResponseWriter, op string, err error) {
	obslog.L().Error("api_error", zap.String("op", op), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
}
