package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/m3rciful/chatbridge/core/botframework"
	"github.com/m3rciful/chatbridge/core/botframework/schema"
	"github.com/m3rciful/chatbridge/core/botframework/state"
	"github.com/m3rciful/chatbridge/core/logger"
)

// Dialog commands.
const (
	CommandReset = "/reset"
	CommandHelp  = "/help"
)

const (
	defaultMaxHistory = 10

	replyReset = "Conversation history cleared."
	replyHelp  = "Send any message to chat.\n" + CommandReset + " clears the conversation history.\n" + CommandHelp + " shows this help."
	replyEmpty = "I can only read text messages."
)

// UserProfile is kept per user across conversations.
type UserProfile struct {
	Name         string    `json:"name,omitempty"`
	MessageCount int       `json:"messageCount"`
	FirstSeen    time.Time `json:"firstSeen"`
	LastSeen     time.Time `json:"lastSeen"`
}

// DialogOptions configure MainDialog.
type DialogOptions struct {
	// Completer may be nil, in which case the dialog echoes the user.
	Completer    Completer
	SystemPrompt string
	// MaxHistory caps the number of stored messages replayed to the completer.
	MaxHistory int
	Now        func() time.Time
}

// MainDialog answers user messages with chat completions over the conversation history.
type MainDialog struct {
	completer    Completer
	systemPrompt string
	maxHistory   int
	now          func() time.Time

	history *state.Property[[]Message]
	profile *state.Property[UserProfile]
}

// NewMainDialog binds the dialog properties to the given state scopes.
func NewMainDialog(conversationState, userState *state.BotState, opts DialogOptions) *MainDialog {
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = defaultMaxHistory
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &MainDialog{
		completer:    opts.Completer,
		systemPrompt: strings.TrimSpace(opts.SystemPrompt),
		maxHistory:   opts.MaxHistory,
		now:          opts.Now,
		history:      state.NewProperty[[]Message](conversationState, "history"),
		profile:      state.NewProperty[UserProfile](userState, "profile"),
	}
}

// Run handles one message turn.
func (d *MainDialog) Run(ctx context.Context, turn *botframework.TurnContext) error {
	text := strings.TrimSpace(turn.Activity.Text)
	if err := d.touchProfile(ctx, turn); err != nil {
		return err
	}

	switch strings.ToLower(text) {
	case "":
		_, err := turn.SendText(ctx, replyEmpty)
		return err
	case CommandReset:
		if err := d.history.Delete(ctx, turn); err != nil {
			return err
		}
		logger.Info(ctx, "bot", "dialog.reset", slog.String("status", "ok"))
		_, err := turn.SendText(ctx, replyReset)
		return err
	case CommandHelp:
		_, err := turn.SendText(ctx, replyHelp)
		return err
	}

	history, err := d.history.Get(ctx, turn, nil)
	if err != nil {
		return err
	}
	history = d.trim(append(history, Message{Role: RoleUser, Content: text}))

	reply, err := d.reply(ctx, turn, history)
	if err != nil {
		return err
	}
	history = d.trim(append(history, Message{Role: RoleAssistant, Content: reply}))
	if err := d.history.Set(ctx, turn, history); err != nil {
		return err
	}
	_, err = turn.SendText(ctx, reply)
	return err
}

func (d *MainDialog) reply(ctx context.Context, turn *botframework.TurnContext, history []Message) (string, error) {
	if d.completer == nil {
		return "Echo: " + history[len(history)-1].Content, nil
	}
	if _, err := turn.SendActivity(ctx, schema.Activity{Type: schema.ActivityTypeTyping}); err != nil {
		logger.Debug(ctx, "bot", "dialog.typing",
			slog.String("status", "fail"),
			slog.String("err", err.Error()),
		)
	}

	messages := make([]Message, 0, len(history)+1)
	if d.systemPrompt != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: d.systemPrompt})
	}
	messages = append(messages, history...)

	reply, err := d.completer.Complete(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("bot: complete: %w", err)
	}
	if reply == "" {
		reply = "..."
	}
	return reply, nil
}

func (d *MainDialog) touchProfile(ctx context.Context, turn *botframework.TurnContext) error {
	now := d.now().UTC()
	profile, err := d.profile.Get(ctx, turn, func() UserProfile {
		return UserProfile{FirstSeen: now}
	})
	if err != nil {
		return err
	}
	if name := strings.TrimSpace(turn.Activity.From.Name); name != "" {
		profile.Name = name
	}
	profile.MessageCount++
	profile.LastSeen = now
	return d.profile.Set(ctx, turn, profile)
}

// trim keeps the newest maxHistory messages.
func (d *MainDialog) trim(history []Message) []Message {
	if len(history) <= d.maxHistory {
		return history
	}
	return append([]Message(nil), history[len(history)-d.maxHistory:]...)
}
