package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/spressbot/spress/internal/domain"
	"github.com/spressbot/spress/internal/rules"
)

func TestRandomReturnsLegalMove(t *testing.T) {
	p := NewRandom()
	uci, err := p.BestMove(context.Background(), domain.StartFEN, 2)
	if err != nil {
		t.Fatalf("best move: %v", err)
	}

	eng, err := rules.Load(domain.StartFEN)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	mv, err := rules.ParseMove(uci)
	if err != nil {
		t.Fatalf("provider returned unparsable move %q: %v", uci, err)
	}
	if _, err := eng.Apply(mv); err != nil {
		t.Fatalf("provider returned illegal move %q: %v", uci, err)
	}
}

func TestRandomNoMoveOnTerminalPosition(t *testing.T) {
	// Fool's mate final position: white is checkmated.
	const mated = "rnb1kbnr/pppp1ppp/8/4p3/6Pq/5P2/PPPPP2P/RNBQKBNR w KQkq - 1 3"
	if _, err := NewRandom().BestMove(context.Background(), mated, 2); !errors.Is(err, ErrNoMove) {
		t.Fatalf("expected ErrNoMove, got %v", err)
	}
}

func TestRandomRejectsBadFEN(t *testing.T) {
	if _, err := NewRandom().BestMove(context.Background(), "garbage", 2); err == nil {
		t.Fatal("expected error for bad fen")
	}
}
