// Package state persists bot state between turns. Storage backends keep opaque
// JSON documents under string keys; BotState and Property give typed access to
// conversation and user scoped values on top of them.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
)

// ErrETagConflict is returned by Storage.Write when a conditional write loses a race.
var ErrETagConflict = errors.New("state: etag conflict")

// ETagAny makes a write unconditional.
const ETagAny = "*"

// Item is one stored document with its version tag.
type Item struct {
	Value json.RawMessage
	// ETag is returned by Read. On Write, "" or "*" overwrites unconditionally,
	// anything else must match the stored tag.
	ETag string
}

// Storage is a key/value store with optimistic concurrency.
type Storage interface {
	// Read returns the items found for keys. Missing keys are absent from the result.
	Read(ctx context.Context, keys []string) (map[string]Item, error)
	// Write stores every change or none of them.
	Write(ctx context.Context, changes map[string]Item) error
	// Delete removes keys. Missing keys are ignored.
	Delete(ctx context.Context, keys []string) error
}

func unconditional(etag string) bool {
	return etag == "" || etag == ETagAny
}

func formatETag(v int64) string {
	return strconv.FormatInt(v, 10)
}
