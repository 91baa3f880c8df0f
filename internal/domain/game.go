package domain

import (
	"time"
)

// Side identifies a chess color in the compact wire form ("w"/"b").
type Side string

const (
	SideWhite Side = "w"
	SideBlack Side = "b"
)

func (s Side) Valid() bool { return s == SideWhite || s == SideBlack }

func (s Side) Opponent() Side {
	if s == SideWhite {
		return SideBlack
	}
	return SideWhite
}

// Label returns the long color name used in winner fields and stats.
func (s Side) Label() string {
	if s == SideWhite {
		return "white"
	}
	return "black"
}

// Mode distinguishes two-human games from games against the engine.
type Mode string

const (
	ModePvP Mode = "pvp"
	ModeAI  Mode = "ai"
)

// Status represents a game lifecycle state.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusFinished Status = "FINISHED"
	StatusResigned Status = "RESIGNED"
	StatusDraw     Status = "DRAW"
)

// PlayerInfo describes one seat of a session.
//
// PrivateChannelID, when set, is the player's own direct chat with the bot.
// Group channels are never stored here; the chat layer that seats players
// only learns this id from the player's own DM, so a notification sent to it
// cannot land in a group.
type PlayerInfo struct {
	UserID           string `json:"user_id"`
	DisplayName      string `json:"display_name,omitempty"`
	PrivateChannelID string `json:"private_channel_id,omitempty"`
	IsComputer       bool   `json:"is_computer,omitempty"`
}

// GameSession is the authoritative persisted state of one game.
type GameSession struct {
	ID            string              `json:"id"`
	OriginChannel string              `json:"origin_channel"`
	Players       map[Side]PlayerInfo `json:"players"`
	FEN           string              `json:"fen"`
	MovesUCI      []string            `json:"moves_uci"`
	MovesSAN      []string            `json:"moves_san"`
	InCheck       bool                `json:"in_check,omitempty"`
	Mode          Mode                `json:"mode"`
	ComputerLevel int                 `json:"computer_level,omitempty"`
	Status        Status              `json:"status"`
	Winner        Side                `json:"winner,omitempty"`
	EndReason     string              `json:"end_reason,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	LastMoveAt    time.Time           `json:"last_move_at"`
}

// Terminal reports whether the session accepts no further moves.
func (g *GameSession) Terminal() bool { return g != nil && g.Status != StatusActive }

// SideOf returns the side a user occupies, or "" when not a participant.
func (g *GameSession) SideOf(userID string) Side {
	if g == nil || userID == "" {
		return ""
	}
	for side, p := range g.Players {
		if p.UserID == userID {
			return side
		}
	}
	return ""
}

// PendingChallenge is the ephemeral pre-session record awaiting acceptance.
type PendingChallenge struct {
	SessionID     string
	OriginChannel string
	Challenger    PlayerInfo
	OpponentID    string
	OpponentName  string
	CreatedAt     time.Time
}

// PlayerStats accumulates per-user results across sessions.
type PlayerStats struct {
	DisplayName string   `json:"display_name,omitempty"`
	PvPWins     int      `json:"pvp_wins"`
	PvPLosses   int      `json:"pvp_losses"`
	PvPDraws    int      `json:"pvp_draws"`
	SoloWins    int      `json:"solo_wins"`
	SoloLosses  int      `json:"solo_losses"`
	SoloDraws   int      `json:"solo_draws"`
	Rating      int      `json:"rating"`
	Channels    []string `json:"channels,omitempty"`
}

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"
