package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	apperrors "github.com/louisbranch/chatrelay/internal/platform/errors"
	"github.com/louisbranch/chatrelay/internal/services/relay/domain"
	"github.com/louisbranch/chatrelay/internal/services/relay/registry"
)

const maxMessageRunes = 2000

type authPayload struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sendMessagePayload struct {
	Text string `json:"text"`
}

type setReactionPayload struct {
	MessageID string `json:"messageId"`
	Reaction  string `json:"reaction"`
	IsEnabled *bool  `json:"isEnabled"`
}

// result is what a handler hands back to the loop: the reply data and the
// connection state that follows.
type result struct {
	data any
	next connState
}

type handler func(ctx context.Context, d *Dispatcher, s *registry.Session, payload string) (result, error)

var handlers = map[Endpoint]handler{
	EndpointAuth:        handleAuth,
	EndpointLogout:      handleLogout,
	EndpointSendMessage: handleSendMessage,
	EndpointSetReaction: handleSetReaction,
}

func handleAuth(ctx context.Context, d *Dispatcher, _ *registry.Session, payload string) (result, error) {
	var p authPayload
	if err := decodePayload(payload, &p); err != nil {
		return result{}, err
	}
	auth, err := d.accounts.SignUp(ctx, p.Name, p.Email, p.Password)
	if err != nil {
		return result{}, err
	}
	return result{data: auth, next: stateActive}, nil
}

// handleLogout only decides the transition; the loop replies and closes.
func handleLogout(context.Context, *Dispatcher, *registry.Session, string) (result, error) {
	return result{data: nil, next: stateClosed}, nil
}

func handleSendMessage(ctx context.Context, d *Dispatcher, s *registry.Session, payload string) (result, error) {
	var p sendMessagePayload
	if err := decodePayload(payload, &p); err != nil {
		return result{}, err
	}
	if strings.TrimSpace(p.Text) == "" {
		return result{}, apperrors.New(apperrors.CodeProtocolPayload, "text is required")
	}
	if utf8.RuneCountInString(p.Text) > maxMessageRunes {
		return result{}, apperrors.New(apperrors.CodeProtocolPayload, fmt.Sprintf("text exceeds %d characters", maxMessageRunes))
	}

	msg := domain.Message{
		Text:      p.Text,
		Author:    s.User().ID,
		Timestamp: d.clock.Now().UnixMilli(),
		Type:      domain.MessageTypeMessage,
		Reactions: domain.Reactions{},
	}
	key, err := d.store.Push(ctx, domain.MessagesPath, msg)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return result{}, err
		}
		return result{}, apperrors.Wrap(apperrors.CodeStoreUnavailable, "send message failed", err)
	}
	return result{data: msg.WithKey(key), next: stateActive}, nil
}

func handleSetReaction(ctx context.Context, d *Dispatcher, s *registry.Session, payload string) (result, error) {
	var p setReactionPayload
	if err := decodePayload(payload, &p); err != nil {
		return result{}, err
	}
	if p.IsEnabled == nil {
		return result{}, apperrors.New(apperrors.CodeProtocolPayload, "isEnabled is required")
	}
	msg, err := d.reactions.SetReaction(ctx, s.User(), p.MessageID, p.Reaction, *p.IsEnabled)
	if err != nil {
		return result{}, err
	}
	return result{data: msg, next: stateActive}, nil
}

func decodePayload(payload string, dst any) error {
	if err := json.Unmarshal([]byte(payload), dst); err != nil {
		return apperrors.Wrap(apperrors.CodeProtocolPayload, err.Error(), err)
	}
	return nil
}
