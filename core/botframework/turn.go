package botframework

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/m3rciful/chatbridge/core/botframework/auth"
	"github.com/m3rciful/chatbridge/core/botframework/schema"
	"github.com/m3rciful/chatbridge/core/logger"
)

// ErrNoSender is returned when a turn tries to send without a connector configured.
var ErrNoSender = errors.New("botframework: no activity sender configured")

const defaultDelay = time.Second

// ActivitySender delivers outgoing activities to the channel.
// *connector.Client satisfies it.
type ActivitySender interface {
	SendToConversation(ctx context.Context, activity *schema.Activity) (*schema.ResourceResponse, error)
	ReplyToActivity(ctx context.Context, activity *schema.Activity) (*schema.ResourceResponse, error)
	UpdateActivity(ctx context.Context, activity *schema.Activity) (*schema.ResourceResponse, error)
	DeleteActivity(ctx context.Context, ref schema.ConversationReference) error
}

// TurnContext carries one incoming activity and the means to answer it.
// It is safe for concurrent use by the handlers of a single turn.
type TurnContext struct {
	// Activity is the incoming activity. Handlers should treat it as read-only.
	Activity *schema.Activity
	// Claims identify the authenticated caller.
	Claims *auth.Claims

	sender ActivitySender
	ref    schema.ConversationReference

	mu        sync.Mutex
	responded bool
	state     map[string]any
	buffered  []schema.Activity
	invoke    *schema.InvokeResponse
}

// NewTurnContext builds a turn for activity. A nil sender makes every send fail with ErrNoSender
// unless the activity expects replies.
func NewTurnContext(activity *schema.Activity, claims *auth.Claims, sender ActivitySender) *TurnContext {
	return &TurnContext{
		Activity: activity,
		Claims:   claims,
		sender:   sender,
		ref:      activity.ConversationReference(),
		state:    make(map[string]any),
	}
}

// Responded reports whether a non-trace activity was sent during this turn.
func (t *TurnContext) Responded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.responded
}

// Set stores a per-turn value.
func (t *TurnContext) Set(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state[key] = value
}

// Get returns a per-turn value.
func (t *TurnContext) Get(key string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.state[key]
	return v, ok
}

// SetInvokeResponse records the synchronous answer to an invoke activity.
func (t *TurnContext) SetInvokeResponse(resp *schema.InvokeResponse) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.invoke = resp
}

// InvokeResponse returns the recorded invoke answer, if any.
func (t *TurnContext) InvokeResponse() *schema.InvokeResponse {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.invoke
}

// BufferedReplies returns the activities collected for an expectReplies turn.
func (t *TurnContext) BufferedReplies() []schema.Activity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]schema.Activity(nil), t.buffered...)
}

// SendText sends a plain text message to the conversation.
func (t *TurnContext) SendText(ctx context.Context, text string) (*schema.ResourceResponse, error) {
	return t.SendActivity(ctx, schema.NewMessageActivity(text))
}

// SendActivity sends a single activity addressed to the incoming conversation.
func (t *TurnContext) SendActivity(ctx context.Context, activity schema.Activity) (*schema.ResourceResponse, error) {
	res, err := t.SendActivities(ctx, []schema.Activity{activity})
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return &schema.ResourceResponse{}, nil
	}
	return &res[0], nil
}

// SendTraceActivity sends a trace. Only the emulator channel receives traces; elsewhere
// the call is a no-op.
func (t *TurnContext) SendTraceActivity(ctx context.Context, name string, value any, valueType, label string) (*schema.ResourceResponse, error) {
	return t.SendActivity(ctx, schema.NewTraceActivity(name, value, valueType, label))
}

// SendActivities sends activities in order. Delay pseudo activities pause between sends.
func (t *TurnContext) SendActivities(ctx context.Context, activities []schema.Activity) ([]schema.ResourceResponse, error) {
	out := make([]schema.ResourceResponse, 0, len(activities))
	for i := range activities {
		act := activities[i]
		if act.Type == "" {
			act.Type = schema.ActivityTypeMessage
		}
		act.ApplyConversationReference(t.ref)

		switch {
		case act.Type == schema.ActivityTypeDelay:
			if err := sleep(ctx, delayOf(act.Value)); err != nil {
				return out, err
			}
			out = append(out, schema.ResourceResponse{})
			continue
		case act.Type == schema.ActivityTypeTrace && t.Activity.ChannelID != schema.ChannelEmulator:
			logger.DebugSampled(ctx, "bf.adapter", "trace.dropped",
				slog.String("status", "skip"),
				slog.String("channel_id", t.Activity.ChannelID),
			)
			out = append(out, schema.ResourceResponse{})
			continue
		}

		res, err := t.deliver(ctx, &act)
		if err != nil {
			return out, err
		}
		if act.Type != schema.ActivityTypeTrace {
			t.mu.Lock()
			t.responded = true
			t.mu.Unlock()
		}
		out = append(out, *res)
	}
	return out, nil
}

func (t *TurnContext) deliver(ctx context.Context, act *schema.Activity) (*schema.ResourceResponse, error) {
	if t.Activity.ExpectsReplies() {
		if act.ID == "" {
			act.ID = uuid.NewString()
		}
		t.mu.Lock()
		t.buffered = append(t.buffered, *act)
		t.mu.Unlock()
		return &schema.ResourceResponse{ID: act.ID}, nil
	}
	if t.sender == nil {
		return nil, ErrNoSender
	}
	res, err := t.sender.ReplyToActivity(ctx, act)
	if err != nil {
		return nil, fmt.Errorf("botframework: send %s activity: %w", act.Type, err)
	}
	if res == nil {
		res = &schema.ResourceResponse{}
	}
	return res, nil
}

// UpdateActivity replaces a previously sent activity identified by activity.ID.
func (t *TurnContext) UpdateActivity(ctx context.Context, activity schema.Activity) (*schema.ResourceResponse, error) {
	if t.sender == nil {
		return nil, ErrNoSender
	}
	id := activity.ID
	activity.ApplyConversationReference(t.ref)
	activity.ID = id
	res, err := t.sender.UpdateActivity(ctx, &activity)
	if err != nil {
		return nil, fmt.Errorf("botframework: update activity: %w", err)
	}
	return res, nil
}

// DeleteActivity deletes a previously sent activity from the conversation.
func (t *TurnContext) DeleteActivity(ctx context.Context, activityID string) error {
	if t.sender == nil {
		return ErrNoSender
	}
	ref := t.ref
	ref.ActivityID = activityID
	if err := t.sender.DeleteActivity(ctx, ref); err != nil {
		return fmt.Errorf("botframework: delete activity: %w", err)
	}
	return nil
}

// delayOf reads the delay in milliseconds carried by a delay activity.
func delayOf(v any) time.Duration {
	switch n := v.(type) {
	case int:
		return time.Duration(n) * time.Millisecond
	case int64:
		return time.Duration(n) * time.Millisecond
	case float64:
		return time.Duration(n) * time.Millisecond
	case time.Duration:
		return n
	case string:
		if d, err := time.ParseDuration(strings.TrimSpace(n)); err == nil {
			return d
		}
	}
	return defaultDelay
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
