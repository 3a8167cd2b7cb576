// Package bot holds the application bot served by the bridge: a welcome on join,
// a chat-completion dialog on messages and the turn error policy.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/m3rciful/chatbridge/core/botframework"
	"github.com/m3rciful/chatbridge/core/botframework/schema"
	"github.com/m3rciful/chatbridge/core/botframework/state"
	"github.com/m3rciful/chatbridge/core/logger"
)

const welcomeText = "Welcome! Ask me anything, or type " + CommandHelp + " for commands."

// Dialog runs the conversation logic of a message turn.
type Dialog interface {
	Run(ctx context.Context, turn *botframework.TurnContext) error
}

// AuthBot greets new members, runs the dialog on messages and saves both state
// scopes at the end of every successful turn.
type AuthBot struct {
	conversationState *state.BotState
	userState         *state.BotState
	dialog            Dialog
	handler           botframework.ActivityHandler
}

// NewAuthBot wires the handler callbacks.
func NewAuthBot(conversationState, userState *state.BotState, dialog Dialog) (*AuthBot, error) {
	if conversationState == nil {
		return nil, fmt.Errorf("bot: conversation state is required")
	}
	if userState == nil {
		return nil, fmt.Errorf("bot: user state is required")
	}
	if dialog == nil {
		return nil, fmt.Errorf("bot: dialog is required")
	}
	b := &AuthBot{conversationState: conversationState, userState: userState, dialog: dialog}
	b.handler = botframework.ActivityHandler{
		OnMessage:      b.onMessage,
		OnMembersAdded: b.onMembersAdded,
		OnTurnComplete: b.saveState,
	}
	return b, nil
}

// OnTurn implements botframework.Bot.
func (b *AuthBot) OnTurn(ctx context.Context, turn *botframework.TurnContext) error {
	return b.handler.OnTurn(ctx, turn)
}

func (b *AuthBot) onMessage(ctx context.Context, turn *botframework.TurnContext) error {
	logger.DebugSampled(ctx, "bot", "message.received",
		slog.Int("count", len([]rune(turn.Activity.Text))),
	)
	return b.dialog.Run(ctx, turn)
}

func (b *AuthBot) onMembersAdded(ctx context.Context, turn *botframework.TurnContext, members []schema.ChannelAccount) error {
	for _, m := range members {
		if _, err := turn.SendText(ctx, welcomeText); err != nil {
			return err
		}
		logger.Info(ctx, "bot", "member.welcome",
			slog.String("status", "ok"),
			slog.String("member_id", m.ID),
		)
	}
	return nil
}

func (b *AuthBot) saveState(ctx context.Context, turn *botframework.TurnContext) error {
	return errors.Join(
		b.conversationState.SaveChanges(ctx, turn, false),
		b.userState.SaveChanges(ctx, turn, false),
	)
}

// Turn error replies.
const (
	TurnErrorTraceName  = "OnTurnError Trace"
	TurnErrorTraceLabel = "TurnError"
	TurnErrorMessage    = "The bot encountered an error or bug."
	TurnErrorFixMessage = "To continue to run this bot, please fix the bot source code."
)

// TurnErrorHandler logs the error, sends an error trace for the emulator, tells the user
// and clears the conversation state so the next turn starts clean.
func TurnErrorHandler(conversationState *state.BotState) botframework.TurnErrorHandler {
	return func(ctx context.Context, turn *botframework.TurnContext, turnErr error) error {
		logger.Error(ctx, "bot", "turn.error",
			slog.String("status", "fail"),
			slog.String("err", turnErr.Error()),
		)
		if _, err := turn.SendTraceActivity(ctx, TurnErrorTraceName, turnErr.Error(), schema.ErrorValueType, TurnErrorTraceLabel); err != nil {
			return fmt.Errorf("bot: send error trace: %w", err)
		}
		if _, err := turn.SendText(ctx, TurnErrorMessage); err != nil {
			return fmt.Errorf("bot: send error message: %w", err)
		}
		if _, err := turn.SendText(ctx, TurnErrorFixMessage); err != nil {
			return fmt.Errorf("bot: send error message: %w", err)
		}
		if err := conversationState.Delete(ctx, turn); err != nil {
			return fmt.Errorf("bot: clear conversation state: %w", err)
		}
		return nil
	}
}
