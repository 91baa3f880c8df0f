package match

import (
	"errors"

	"github.com/spressbot/spress/internal/rules"
	"github.com/spressbot/spress/internal/store"
)

// Rejection taxonomy for move submissions. Parse and legality sentinels are
// shared with the rules package so errors.Is works across layers.
var (
	ErrSessionNotFound = store.ErrSessionNotFound
	ErrGameOver        = errors.New("game already over")
	ErrWrongTurn       = errors.New("not your turn")
	ErrInvalidFormat   = rules.ErrInvalidFormat
	ErrIllegalMove     = rules.ErrIllegalMove
	ErrPositionLoad    = rules.ErrPositionLoad
)

// IsRejection reports whether err is a client-caused rejection rather than an
// infrastructure failure.
func IsRejection(err error) bool {
	for _, sentinel := range []error{
		ErrSessionNotFound, ErrGameOver, ErrWrongTurn, ErrInvalidFormat, ErrIllegalMove,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// RejectionCode maps a rejection to its wire code.
func RejectionCode(err error) string {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrGameOver):
		return "game_over"
	case errors.Is(err, ErrWrongTurn):
		return "wrong_turn"
	case errors.Is(err, ErrInvalidFormat):
		return "invalid_format"
	case errors.Is(err, ErrIllegalMove):
		return "illegal_move"
	default:
		return "internal_error"
	}
}
