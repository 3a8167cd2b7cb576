package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/m3rciful/chatbridge/core/botframework"
	"github.com/m3rciful/chatbridge/core/botframework/schema"
	"github.com/m3rciful/chatbridge/core/logger"
)

// KeyFunc derives the storage key of a state scope from the incoming activity.
type KeyFunc func(activity *schema.Activity) (string, error)

// BotState is a scoped bag of named JSON properties, loaded once per turn and
// cached in the turn state until saved.
type BotState struct {
	storage Storage
	name    string
	keyFn   KeyFunc
}

// cachedState is the per-turn copy of a scope.
type cachedState struct {
	values map[string]json.RawMessage
	hash   string
}

// NewBotState creates a state scope called name whose key comes from keyFn.
func NewBotState(storage Storage, name string, keyFn KeyFunc) *BotState {
	return &BotState{storage: storage, name: name, keyFn: keyFn}
}

// NewConversationState scopes state to {channelId}/conversations/{conversationId}.
func NewConversationState(storage Storage) *BotState {
	return NewBotState(storage, "ConversationState", func(a *schema.Activity) (string, error) {
		if a.ChannelID == "" {
			return "", fmt.Errorf("state: conversation state: missing activity.channelId")
		}
		if a.Conversation.ID == "" {
			return "", fmt.Errorf("state: conversation state: missing activity.conversation.id")
		}
		return a.ChannelID + "/conversations/" + a.Conversation.ID, nil
	})
}

// NewUserState scopes state to {channelId}/users/{userId}.
func NewUserState(storage Storage) *BotState {
	return NewBotState(storage, "UserState", func(a *schema.Activity) (string, error) {
		if a.ChannelID == "" {
			return "", fmt.Errorf("state: user state: missing activity.channelId")
		}
		if a.From.ID == "" {
			return "", fmt.Errorf("state: user state: missing activity.from.id")
		}
		return a.ChannelID + "/users/" + a.From.ID, nil
	})
}

// Name returns the scope name, which is also its turn-state key.
func (b *BotState) Name() string { return b.name }

func (b *BotState) cached(turn *botframework.TurnContext) *cachedState {
	v, ok := turn.Get(b.name)
	if !ok {
		return nil
	}
	c, _ := v.(*cachedState)
	return c
}

// Load reads the scope into the turn cache. A cached copy is kept unless force is set.
func (b *BotState) Load(ctx context.Context, turn *botframework.TurnContext, force bool) error {
	if !force && b.cached(turn) != nil {
		return nil
	}
	key, err := b.keyFn(turn.Activity)
	if err != nil {
		return err
	}
	items, err := b.storage.Read(ctx, []string{key})
	if err != nil {
		return fmt.Errorf("state: load %s: %w", b.name, err)
	}

	c := &cachedState{values: make(map[string]json.RawMessage)}
	if item, ok := items[key]; ok {
		if len(item.Value) > 0 {
			if err := json.Unmarshal(item.Value, &c.values); err != nil {
				return fmt.Errorf("state: decode %s: %w", b.name, err)
			}
		}
	}
	c.hash = hashValues(c.values)
	turn.Set(b.name, c)
	return nil
}

// SaveChanges writes the cached scope when it changed since load, or always with force.
// The write is unconditional: when turns of one conversation overlap, the last save wins.
func (b *BotState) SaveChanges(ctx context.Context, turn *botframework.TurnContext, force bool) error {
	c := b.cached(turn)
	if c == nil {
		return nil
	}
	hash := hashValues(c.values)
	if !force && hash == c.hash {
		return nil
	}
	key, err := b.keyFn(turn.Activity)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(c.values)
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", b.name, err)
	}
	if err := b.storage.Write(ctx, map[string]Item{key: {Value: payload, ETag: ETagAny}}); err != nil {
		return fmt.Errorf("state: save %s: %w", b.name, err)
	}
	c.hash = hash
	logger.DebugSampled(ctx, "state", "state.save",
		slog.String("status", "ok"),
		slog.String("key", key),
		slog.Int("count", len(c.values)),
	)
	return nil
}

// Clear empties the cached scope. The storage copy is replaced on the next save.
func (b *BotState) Clear(turn *botframework.TurnContext) {
	c := b.cached(turn)
	if c == nil {
		turn.Set(b.name, &cachedState{values: make(map[string]json.RawMessage)})
		return
	}
	c.values = make(map[string]json.RawMessage)
}

// Delete drops the scope from the turn cache and from storage.
func (b *BotState) Delete(ctx context.Context, turn *botframework.TurnContext) error {
	key, err := b.keyFn(turn.Activity)
	if err != nil {
		return err
	}
	turn.Set(b.name, &cachedState{values: make(map[string]json.RawMessage), hash: hashValues(nil)})
	if err := b.storage.Delete(ctx, []string{key}); err != nil {
		return fmt.Errorf("state: delete %s: %w", b.name, err)
	}
	return nil
}

func (b *BotState) getValue(ctx context.Context, turn *botframework.TurnContext, name string) (json.RawMessage, bool, error) {
	if err := b.Load(ctx, turn, false); err != nil {
		return nil, false, err
	}
	v, ok := b.cached(turn).values[name]
	return v, ok, nil
}

func (b *BotState) setValue(ctx context.Context, turn *botframework.TurnContext, name string, raw json.RawMessage) error {
	if err := b.Load(ctx, turn, false); err != nil {
		return err
	}
	b.cached(turn).values[name] = raw
	return nil
}

func (b *BotState) deleteValue(ctx context.Context, turn *botframework.TurnContext, name string) error {
	if err := b.Load(ctx, turn, false); err != nil {
		return err
	}
	delete(b.cached(turn).values, name)
	return nil
}

// hashValues fingerprints the scope; encoding/json sorts map keys so equal maps hash equally.
func hashValues(values map[string]json.RawMessage) string {
	if len(values) == 0 {
		return ""
	}
	payload, err := json.Marshal(values)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
