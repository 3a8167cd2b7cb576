// Package botframework turns Bot Framework HTTP requests into bot turns: it
// authenticates the caller, decodes the activity, runs the bot and writes the
// response the channel expects.
package botframework

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/m3rciful/chatbridge/core/botframework/auth"
	"github.com/m3rciful/chatbridge/core/botframework/schema"
	"github.com/m3rciful/chatbridge/core/logger"
)

const defaultMaxBodyBytes int64 = 4 << 20

// Bot handles one turn.
type Bot interface {
	OnTurn(ctx context.Context, turn *TurnContext) error
}

// BotFunc adapts a function to Bot.
type BotFunc func(ctx context.Context, turn *TurnContext) error

// OnTurn implements Bot.
func (f BotFunc) OnTurn(ctx context.Context, turn *TurnContext) error {
	return f(ctx, turn)
}

// Authenticator validates inbound requests. *auth.Authenticator satisfies it.
type Authenticator interface {
	Authenticate(ctx context.Context, authHeader string, activity *schema.Activity) (*auth.Claims, error)
}

// TurnErrorHandler reacts to an error that escaped the bot.
type TurnErrorHandler func(ctx context.Context, turn *TurnContext, err error) error

// AdapterOptions configure an Adapter.
type AdapterOptions struct {
	// Authenticator may be nil, which accepts every request anonymously.
	Authenticator Authenticator
	Sender        ActivitySender
	MaxBodyBytes  int64
	OnTurnError   TurnErrorHandler
}

// Adapter is the HTTP entry point for channel activities.
type Adapter struct {
	auth    Authenticator
	sender  ActivitySender
	maxBody int64

	// OnTurnError is invoked when the bot returns an error or panics.
	OnTurnError TurnErrorHandler
}

// NewAdapter builds an Adapter from opts.
func NewAdapter(opts AdapterOptions) *Adapter {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Adapter{
		auth:        opts.Authenticator,
		sender:      opts.Sender,
		maxBody:     opts.MaxBodyBytes,
		OnTurnError: opts.OnTurnError,
	}
}

// TurnResult is the HTTP outcome of a processed activity.
type TurnResult struct {
	Status int
	// Body is JSON encoded when non-nil.
	Body any
}

// Process handles POST /api/messages: it reads the activity from r, runs bot and writes the
// framework-determined response to w.
func (a *Adapter) Process(w http.ResponseWriter, r *http.Request, bot Bot) {
	ctx := r.Context()
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeStatus(w, http.StatusMethodNotAllowed)
		return
	}

	activity, status, err := a.readActivity(w, r)
	if err != nil {
		logger.Warn(ctx, "bf.adapter", "activity.decode",
			slog.String("status", "fail"),
			slog.Int("http_code", status),
			slog.String("err", err.Error()),
		)
		writeStatus(w, status)
		return
	}

	res, err := a.ProcessActivity(ctx, r.Header.Get("Authorization"), activity, bot)
	if err != nil {
		switch {
		case auth.IsUnauthorized(err):
			writeStatus(w, http.StatusUnauthorized)
		default:
			writeStatus(w, http.StatusInternalServerError)
		}
		return
	}
	writeResult(ctx, w, res)
}

func (a *Adapter) readActivity(w http.ResponseWriter, r *http.Request) (*schema.Activity, int, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, http.StatusRequestEntityTooLarge, fmt.Errorf("request body exceeds %d bytes", a.maxBody)
		}
		return nil, http.StatusBadRequest, fmt.Errorf("read body: %w", err)
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.Contains(strings.ToLower(ct), "json") {
		return nil, http.StatusUnsupportedMediaType, fmt.Errorf("unsupported content type %q", ct)
	}
	var activity schema.Activity
	if err := json.Unmarshal(body, &activity); err != nil {
		return nil, http.StatusBadRequest, fmt.Errorf("decode activity: %w", err)
	}
	if activity.Type == "" {
		return nil, http.StatusBadRequest, fmt.Errorf("activity type is required")
	}
	return &activity, http.StatusOK, nil
}

// ProcessActivity authenticates activity, runs the turn and returns the response to send.
// Authentication failures are returned as errors matching auth.ErrUnauthorized; a non-nil
// error otherwise means the turn failed and the error handler could not recover it.
func (a *Adapter) ProcessActivity(ctx context.Context, authHeader string, activity *schema.Activity, bot Bot) (*TurnResult, error) {
	ctx = logger.WithActivityMeta(ctx, logger.ActivityMeta{
		ChannelID:      activity.ChannelID,
		ConversationID: activity.Conversation.ID,
		ActivityID:     activity.ID,
		ActivityType:   activity.Type,
		UserID:         activity.From.ID,
	})

	claims := &auth.Claims{Anonymous: true}
	if a.auth != nil {
		var err error
		claims, err = a.auth.Authenticate(ctx, authHeader, activity)
		if err != nil {
			return nil, err
		}
	}

	start := time.Now()
	turn := NewTurnContext(activity, claims, a.sender)
	if err := a.runTurn(ctx, turn, bot); err != nil {
		logger.Error(ctx, "bf.adapter", "turn.done",
			slog.String("status", "fail"),
			slog.Duration("duration", logger.Took(start)),
			slog.String("err", err.Error()),
		)
		return nil, err
	}
	logger.Info(ctx, "bf.adapter", "turn.done",
		slog.String("status", "ok"),
		slog.Bool("responded", turn.Responded()),
		slog.Duration("duration", logger.Took(start)),
	)

	switch {
	case activity.Type == schema.ActivityTypeInvoke:
		if resp := turn.InvokeResponse(); resp != nil {
			return &TurnResult{Status: resp.Status, Body: resp.Body}, nil
		}
		return &TurnResult{Status: http.StatusNotImplemented}, nil
	case activity.ExpectsReplies():
		return &TurnResult{
			Status: http.StatusOK,
			Body:   schema.ExpectedReplies{Activities: turn.BufferedReplies()},
		}, nil
	default:
		return &TurnResult{Status: http.StatusOK}, nil
	}
}

// runTurn runs bot and routes its failure through OnTurnError.
func (a *Adapter) runTurn(ctx context.Context, turn *TurnContext, bot Bot) error {
	err := safeTurn(ctx, turn, bot)
	if err == nil {
		return nil
	}
	if a.OnTurnError == nil {
		return fmt.Errorf("botframework: unhandled turn error: %w", err)
	}
	if herr := a.OnTurnError(ctx, turn, err); herr != nil {
		return fmt.Errorf("botframework: turn error handler failed: %w", errors.Join(err, herr))
	}
	return nil
}

func safeTurn(ctx context.Context, turn *TurnContext, bot Bot) (err error) {
	if bot == nil {
		return errors.New("botframework: no bot configured")
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "bf.adapter", "turn.panic",
				slog.Any("err", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("botframework: panic in bot: %v", r)
		}
	}()
	return bot.OnTurn(ctx, turn)
}

func writeResult(ctx context.Context, w http.ResponseWriter, res *TurnResult) {
	if res.Body == nil {
		writeStatus(w, res.Status)
		return
	}
	payload, err := json.Marshal(res.Body)
	if err != nil {
		logger.Error(ctx, "bf.adapter", "response.encode",
			slog.String("status", "fail"),
			slog.String("err", err.Error()),
		)
		writeStatus(w, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(res.Status)
	_, _ = w.Write(payload)
}

func writeStatus(w http.ResponseWriter, status int) {
	w.WriteHeader(status)
}
