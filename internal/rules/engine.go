// Package rules adapts the chess rules library behind the small surface the
// move pipeline and the sync hub need: load a position, apply a coordinate
// move, report the outcome.
package rules

import (
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/spressbot/spress/internal/domain"
)

var (
	// ErrIllegalMove reports a well-formed move the position does not allow.
	ErrIllegalMove = errors.New("illegal move")
	// ErrPositionLoad reports a stored FEN the library refuses to load.
	ErrPositionLoad = errors.New("position load failure")
)

// Engine holds one game's rules state.
type Engine struct {
	game *nchess.Game
}

// New returns an engine at the standard start position.
func New() *Engine {
	return &Engine{game: nchess.NewGame()}
}

// Load returns an engine at the position described by fen.
func Load(fen string) (*Engine, error) {
	option, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPositionLoad, err)
	}
	return &Engine{game: nchess.NewGame(option)}, nil
}

func (e *Engine) FEN() string { return e.game.FEN() }

func (e *Engine) SideToMove() domain.Side {
	if e.game.Position().Turn() == nchess.White {
		return domain.SideWhite
	}
	return domain.SideBlack
}

func (e *Engine) Terminal() bool { return e.game.Outcome() != nchess.NoOutcome }

// LegalMoves returns the legal moves for the side to move in UCI form.
func (e *Engine) LegalMoves() []string {
	valid := e.game.ValidMoves()
	out := make([]string, 0, len(valid))
	for _, mv := range valid {
		out = append(out, mv.String())
	}
	return out
}

// MoveResult describes one accepted move.
type MoveResult struct {
	SAN           string
	UCI           string
	Captured      string
	CaptureSquare string
	IsCheck       bool
	IsCheckmate   bool
	IsStalemate   bool
	IsDraw        bool
	Winner        domain.Side
	Terminal      bool
	Method        string
}

// Apply validates and plays p on the current position. On rejection the
// position is unchanged and ErrIllegalMove is returned. Capture details cover
// en passant, where the captured pawn does not sit on the destination square.
func (e *Engine) Apply(p ParsedMove) (*MoveResult, error) {
	pos := e.game.Position()
	notation := nchess.UCINotation{}

	mv, err := notation.Decode(pos, p.UCI())
	if err != nil && p.Promotion == "" && promotionRank(p.To) {
		// Bare pawn pushes to the last rank promote to a queen.
		mv, err = notation.Decode(pos, p.UCI()+"q")
	}
	if err != nil {
		return nil, ErrIllegalMove
	}

	res := &MoveResult{
		SAN: nchess.AlgebraicNotation{}.Encode(pos, mv),
		UCI: mv.String(),
	}

	if mv.HasTag(nchess.Capture) || mv.HasTag(nchess.EnPassant) {
		sq := mv.S2()
		if mv.HasTag(nchess.EnPassant) {
			file := mv.S2().File()
			rank := mv.S2().Rank()
			if pos.Turn() == nchess.White {
				sq = nchess.NewSquare(file, rank-1)
			} else {
				sq = nchess.NewSquare(file, rank+1)
			}
		}
		if piece := pos.Board().Piece(sq); piece != nchess.NoPiece {
			res.Captured = pieceLetter(piece.Type())
			res.CaptureSquare = sq.String()
		}
	}

	if err := e.game.Move(mv, nil); err != nil {
		return nil, ErrIllegalMove
	}

	res.IsCheck = mv.HasTag(nchess.Check)
	switch e.game.Outcome() {
	case nchess.WhiteWon:
		res.Winner = domain.SideWhite
		res.Terminal = true
	case nchess.BlackWon:
		res.Winner = domain.SideBlack
		res.Terminal = true
	case nchess.Draw:
		res.IsDraw = true
		res.Terminal = true
	}
	if res.Terminal {
		method := e.game.Method()
		res.Method = strings.ToLower(method.String())
		res.IsCheckmate = method == nchess.Checkmate
		res.IsStalemate = method == nchess.Stalemate
	}
	return res, nil
}

func promotionRank(to string) bool {
	return strings.HasSuffix(to, "1") || strings.HasSuffix(to, "8")
}

func pieceLetter(t nchess.PieceType) string {
	switch t {
	case nchess.King:
		return "k"
	case nchess.Queen:
		return "q"
	case nchess.Rook:
		return "r"
	case nchess.Bishop:
		return "b"
	case nchess.Knight:
		return "n"
	case nchess.Pawn:
		return "p"
	default:
		return ""
	}
}
