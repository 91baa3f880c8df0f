// Package wsdto defines the JSON messages exchanged with board clients.
package wsdto

// Client-to-server message types.
const (
	TypeMove = "move"
	TypePing = "ping"
)

// Server-to-client message types.
const (
	TypeUpdate           = "update"
	TypeInvalid          = "invalid"
	TypePong             = "pong"
	TypeSessionExpired   = "session_expired"
	TypeSessionCorrupted = "session_corrupted"
)

// ClientMessage is everything a board client may send.
type ClientMessage struct {
	Type string `json:"type"`
	Move string `json:"move,omitempty"`
}

// Update is the full board state broadcast after every accepted move and as
// the snapshot on connect. Winner is null unless a side has won; draws end
// with a null winner and IsDraw set.
type Update struct {
	Type          string   `json:"type"`
	FEN           string   `json:"fen"`
	SAN           []string `json:"san"`
	Turn          string   `json:"turn"`
	Winner        *string  `json:"winner"`
	IsDraw        bool     `json:"isDraw"`
	IsCheckmate   bool     `json:"isCheckmate"`
	IsInCheck     bool     `json:"isInCheck"`
	Captured      string   `json:"captured,omitempty"`
	CaptureSquare string   `json:"captureSquare,omitempty"`
}

// Invalid answers the offending connection after a rejected move.
type Invalid struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// Notice carries session lifecycle signals (expired, corrupted).
type Notice struct {
	Type string `json:"type"`
}

// Pong answers a ping.
type Pong struct {
	Type string `json:"type"`
}
