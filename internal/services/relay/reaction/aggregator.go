// Package reaction updates per-message reaction sets.
//
// SetReaction is a read-modify-write of the whole reaction map, not a
// compare-and-swap. Two concurrent calls on the same message can interleave
// and the later write wins, dropping the other caller's change. Reactions
// are a best-effort affordance and this hazard is accepted.
package reaction

import (
	"context"
	"errors"
	"strings"

	apperrors "github.com/louisbranch/chatrelay/internal/platform/errors"
	"github.com/louisbranch/chatrelay/internal/platform/logging"
	"github.com/louisbranch/chatrelay/internal/services/relay/domain"
	"github.com/louisbranch/chatrelay/internal/services/relay/store"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
)

// Aggregator applies reaction toggles against the store.
type Aggregator struct {
	store  store.Store
	logger *zap.Logger
}

// NewAggregator returns an Aggregator writing to st.
func NewAggregator(st store.Store, logger *zap.Logger) *Aggregator {
	return &Aggregator{store: st, logger: logging.OrNop(logger).Named("reaction")}
}

// SetReaction adds (enable) or removes user's membership in symbol's set on
// messageID and returns the message with its updated reactions. Adding twice
// or removing an absent membership leaves the set unchanged.
func (a *Aggregator) SetReaction(ctx context.Context, user domain.User, messageID, symbol string, enable bool) (domain.Message, error) {
	messageID = strings.TrimSpace(messageID)
	symbol = norm.NFC.String(strings.TrimSpace(symbol))
	if messageID == "" {
		return domain.Message{}, apperrors.New(apperrors.CodeProtocolPayload, "messageId is required")
	}
	if symbol == "" {
		return domain.Message{}, apperrors.New(apperrors.CodeProtocolPayload, "reaction is required")
	}
	if _, err := store.SplitPath(messageID); err != nil || strings.Contains(messageID, "/") {
		return domain.Message{}, apperrors.New(apperrors.CodeProtocolPayload, "invalid messageId")
	}

	var msg domain.Message
	if err := a.store.Get(ctx, domain.MessagePath(messageID), &msg); err != nil {
		return domain.Message{}, storeError("read message", err)
	}

	reactions := domain.Reactions{}
	err := a.store.Get(ctx, domain.ReactionsPath(messageID), &reactions)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return domain.Message{}, storeError("read reactions", err)
	}

	if enable {
		reactions.Add(symbol, user.ID)
	} else {
		reactions.Remove(symbol, user.ID)
	}

	if err := a.store.Set(ctx, domain.ReactionsPath(messageID), reactions); err != nil {
		return domain.Message{}, storeError("write reactions", err)
	}
	a.logger.Debug("reaction set",
		zap.String("message_id", messageID),
		zap.String("user_id", user.ID),
		zap.Bool("enabled", enable),
	)

	msg = msg.WithKey(messageID)
	msg.Reactions = reactions
	return msg, nil
}

func storeError(action string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperrors.Wrap(apperrors.CodeNotFound, "message not found", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperrors.Wrap(apperrors.CodeStoreUnavailable, action+" failed", err)
}
