// Package store defines the keyed store contract the relay persists through.
//
// Paths are slash separated keys such as "chat/messages/<id>". A collection
// is the set of direct children under a path; subscriptions observe those
// children and nothing deeper.
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/louisbranch/chatrelay/internal/services/relay/domain"
)

var (
	// ErrNotFound is returned by Get when nothing is stored at the path.
	ErrNotFound = errors.New("store: not found")
	// ErrInvalidPath is returned for empty paths or segments.
	ErrInvalidPath = errors.New("store: invalid path")
	// ErrSubscriptionOverflow cancels a subscriber that fell behind its buffer.
	ErrSubscriptionOverflow = errors.New("store: subscription overflow")
	// ErrClosed is returned by a store that has been closed, and is the cause
	// of subscriptions that were open when it closed.
	ErrClosed = errors.New("store: closed")
)

// Store reads, writes and watches JSON values by path.
type Store interface {
	// Get decodes the value at path into dst.
	Get(ctx context.Context, path string, dst any) error
	// Set replaces the value at path.
	Set(ctx context.Context, path string, value any) error
	// Push appends value under a generated, time ordered key and returns the
	// key.
	Push(ctx context.Context, path string, value any) (string, error)
	// Remove deletes the value at path. Removing a missing path succeeds.
	Remove(ctx context.Context, path string) error
	// SubscribeChildren replays the children of path as ADD events in
	// insertion order and then streams live changes.
	SubscribeChildren(ctx context.Context, path string) (Subscription, error)
}

// ChildEvent describes one change to a direct child of a watched path.
type ChildEvent struct {
	Kind               domain.ChangeKind
	Key                string
	Value              json.RawMessage
	PreviousSiblingKey *string
}

// Subscription is a live child stream.
//
// Events is closed when the subscription ends. Err then reports why: nil after
// Close or context cancellation, the store's cause otherwise.
type Subscription interface {
	Events() <-chan ChildEvent
	Done() <-chan struct{}
	Err() error
	Close()
}
