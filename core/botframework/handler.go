package botframework

import (
	"context"

	"github.com/m3rciful/chatbridge/core/botframework/schema"
)

// ActivityHandler dispatches a turn by activity type. Nil callbacks are skipped.
type ActivityHandler struct {
	OnMessage func(ctx context.Context, turn *TurnContext) error
	// OnMembersAdded receives the added members other than the bot itself.
	OnMembersAdded   func(ctx context.Context, turn *TurnContext, members []schema.ChannelAccount) error
	OnMembersRemoved func(ctx context.Context, turn *TurnContext, members []schema.ChannelAccount) error
	OnEvent          func(ctx context.Context, turn *TurnContext) error
	// OnInvoke returns the synchronous invoke answer; nil leaves the adapter to reply 501.
	OnInvoke       func(ctx context.Context, turn *TurnContext) (*schema.InvokeResponse, error)
	OnUnrecognized func(ctx context.Context, turn *TurnContext) error
	// OnTurnComplete runs after a successful dispatch, typically to persist state.
	OnTurnComplete func(ctx context.Context, turn *TurnContext) error
}

// OnTurn implements Bot.
func (h *ActivityHandler) OnTurn(ctx context.Context, turn *TurnContext) error {
	if err := h.dispatch(ctx, turn); err != nil {
		return err
	}
	if h.OnTurnComplete != nil {
		return h.OnTurnComplete(ctx, turn)
	}
	return nil
}

func (h *ActivityHandler) dispatch(ctx context.Context, turn *TurnContext) error {
	act := turn.Activity
	switch act.Type {
	case schema.ActivityTypeMessage:
		if h.OnMessage != nil {
			return h.OnMessage(ctx, turn)
		}
	case schema.ActivityTypeConversationUpdate:
		if added := act.MembersAddedExcludingRecipient(); len(added) > 0 && h.OnMembersAdded != nil {
			if err := h.OnMembersAdded(ctx, turn, added); err != nil {
				return err
			}
		}
		if removed := membersRemovedExcludingRecipient(act); len(removed) > 0 && h.OnMembersRemoved != nil {
			return h.OnMembersRemoved(ctx, turn, removed)
		}
	case schema.ActivityTypeEvent:
		if h.OnEvent != nil {
			return h.OnEvent(ctx, turn)
		}
	case schema.ActivityTypeInvoke:
		if h.OnInvoke == nil {
			return nil
		}
		resp, err := h.OnInvoke(ctx, turn)
		if err != nil {
			return err
		}
		if resp != nil {
			turn.SetInvokeResponse(resp)
		}
	default:
		if h.OnUnrecognized != nil {
			return h.OnUnrecognized(ctx, turn)
		}
	}
	return nil
}

func membersRemovedExcludingRecipient(act *schema.Activity) []schema.ChannelAccount {
	var out []schema.ChannelAccount
	for _, m := range act.MembersRemoved {
		if m.ID != act.Recipient.ID {
			out = append(out, m)
		}
	}
	return out
}
