package state

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/m3rciful/chatbridge/core/botframework"
)

// Property is a typed accessor for one named value inside a BotState scope.
type Property[T any] struct {
	state *BotState
	name  string
}

// NewProperty binds name in state to type T.
func NewProperty[T any](state *BotState, name string) *Property[T] {
	return &Property[T]{state: state, name: name}
}

// Name returns the property name.
func (p *Property[T]) Name() string { return p.name }

// Get decodes the stored value. When it is missing and def is non-nil, def's result is
// stored and returned; otherwise the zero value is returned.
func (p *Property[T]) Get(ctx context.Context, turn *botframework.TurnContext, def func() T) (T, error) {
	var out T
	raw, ok, err := p.state.getValue(ctx, turn, p.name)
	if err != nil {
		return out, err
	}
	if !ok {
		if def == nil {
			return out, nil
		}
		out = def()
		if err := p.Set(ctx, turn, out); err != nil {
			return out, err
		}
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("state: decode property %s: %w", p.name, err)
	}
	return out, nil
}

// Set replaces the value in the turn cache. Call BotState.SaveChanges to persist it.
func (p *Property[T]) Set(ctx context.Context, turn *botframework.TurnContext, value T) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("state: encode property %s: %w", p.name, err)
	}
	return p.state.setValue(ctx, turn, p.name, raw)
}

// Delete removes the value from the turn cache.
func (p *Property[T]) Delete(ctx context.Context, turn *botframework.TurnContext) error {
	return p.state.deleteValue(ctx, turn, p.name)
}
