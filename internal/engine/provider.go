// Package engine supplies computer moves for solo games.
package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/spressbot/spress/internal/rules"
)

// ErrNoMove reports a position with no legal move to pick.
var ErrNoMove = errors.New("no legal move available")

// MoveProvider produces the computer's move for a position.
type MoveProvider interface {
	BestMove(ctx context.Context, fen string, depth int) (string, error)
}

// Random picks a uniformly random legal move. It stands in when no engine
// binary is configured and keeps solo games playable.
type Random struct{}

func NewRandom() *Random { return &Random{} }

func (*Random) BestMove(_ context.Context, fen string, _ int) (string, error) {
	eng, err := rules.Load(fen)
	if err != nil {
		return "", fmt.Errorf("load position: %w", err)
	}
	moves := eng.LegalMoves()
	if len(moves) == 0 {
		return "", ErrNoMove
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(moves))))
	if err != nil {
		return moves[0], nil
	}
	return moves[n.Int64()], nil
}
