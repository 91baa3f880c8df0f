package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/spressbot/spress/internal/domain"
	"github.com/spressbot/spress/internal/obslog"
)

// Sender is the delivery surface the dispatcher needs from the bot client.
type Sender interface {
	SendMessage(ctx context.Context, chatID, text, boardURL string) error
}

// Delivery is the outcome of one notification attempt.
type Delivery struct {
	ChatID       string
	Kind         string // "origin" or "dm"
	ChatNotFound bool
	Err          error
}

// Dispatcher fans a turn notification out to the session's origin channel
// and, when available, the player's private chat. Every attempt is
// failure-contained; callers never see an error.
type Dispatcher struct {
	sender    Sender
	publicURL string
}

func NewDispatcher(sender Sender, publicURL string) *Dispatcher {
	return &Dispatcher{sender: sender, publicURL: strings.TrimRight(publicURL, "/")}
}

// NotifyTurn tells the player on turn that the opponent moved. Computer
// seats are never notified.
func (d *Dispatcher) NotifyTurn(ctx context.Context, g *domain.GameSession, toMove domain.Side, lastSAN string) []Delivery {
	if d == nil || d.sender == nil || g == nil {
		return nil
	}
	player := g.Players[toMove]
	if player.IsComputer {
		return nil
	}

	text := turnText(g, toMove, lastSAN)
	boardURL := d.boardURL(g.ID, toMove)

	deliveries := []Delivery{d.attempt(ctx, g.OriginChannel, "origin", text, boardURL)}

	// PrivateChannelID is always a direct chat, never a group (see
	// domain.PlayerInfo), so distinct-from-origin is the only check needed.
	dm := strings.TrimSpace(player.PrivateChannelID)
	if dm != "" && dm != g.OriginChannel {
		deliveries = append(deliveries, d.attempt(ctx, dm, "dm", text, boardURL))
	}
	return deliveries
}

// NotifyGameOver announces a finished game on the origin channel.
func (d *Dispatcher) NotifyGameOver(ctx context.Context, g *domain.GameSession, text string) []Delivery {
	if d == nil || d.sender == nil || g == nil {
		return nil
	}
	return []Delivery{d.attempt(ctx, g.OriginChannel, "origin", text, "")}
}

func (d *Dispatcher) attempt(ctx context.Context, chatID, kind, text, boardURL string) Delivery {
	res := Delivery{ChatID: chatID, Kind: kind}
	if strings.TrimSpace(chatID) == "" {
		res.Err = errors.New("empty chat id")
		return res
	}
	if err := d.sender.SendMessage(ctx, chatID, text, boardURL); err != nil {
		res.Err = err
		res.ChatNotFound = errors.Is(err, ErrChatNotFound)
		obslog.L().Warn("notify_error",
			zap.String("chat_id", chatID),
			zap.String("kind", kind),
			zap.Bool("chat_not_found", res.ChatNotFound),
			zap.Error(err),
		)
	}
	return res
}

func (d *Dispatcher) boardURL(sessionID string, side domain.Side) string {
	if d.publicURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/board?session=%s&color=%s", d.publicURL, sessionID, side)
}

func turnText(g *domain.GameSession, toMove domain.Side, lastSAN string) string {
	name := g.Players[toMove].DisplayName
	if name == "" {
		name = toMove.Label()
	}
	if lastSAN == "" {
		return fmt.Sprintf("%s, it is your move.", name)
	}
	opponent := g.Players[toMove.Opponent()].DisplayName
	if opponent == "" {
		opponent = toMove.Opponent().Label()
	}
	return fmt.Sprintf("%s played %s. %s, it is your move.", opponent, lastSAN, name)
}
