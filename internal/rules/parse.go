package rules

import (
	"errors"
	"regexp"
	"strings"
)

// ErrInvalidFormat reports input that cannot be read as a coordinate move.
var ErrInvalidFormat = errors.New("invalid move format")

var movePattern = regexp.MustCompile(`^([a-h][1-8])([a-h][1-8])([qrbn])?$`)

// ParsedMove is a coordinate move with an optional promotion piece.
type ParsedMove struct {
	From      string
	To        string
	Promotion string
}

func (p ParsedMove) UCI() string { return p.From + p.To + p.Promotion }

// ParseMove reads user input as a coordinate pair move. Separators and
// decoration ("e2 e4", "e2->e4", "E2E4") are tolerated by discarding every
// character outside the coordinate alphabet before matching. A trailing
// promotion letter (q, r, b, n) is kept when present.
func ParseMove(raw string) (ParsedMove, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'h':
			return r
		case r >= '1' && r <= '8':
			return r
		case r == 'q' || r == 'r' || r == 'b' || r == 'n':
			return r
		default:
			return -1
		}
	}, strings.ToLower(raw))

	m := movePattern.FindStringSubmatch(cleaned)
	if m == nil {
		return ParsedMove{}, ErrInvalidFormat
	}
	return ParsedMove{From: m[1], To: m[2], Promotion: m[3]}, nil
}
