package fanout

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/louisbranch/chatrelay/internal/services/relay/domain"
	"github.com/louisbranch/chatrelay/internal/services/relay/store"
)

// collection is one watched store path and the ordered mirror of its
// children.
type collection interface {
	name() string
	path() string
	// apply folds ev into the mirror and returns the frame to broadcast, or
	// nil when ev repeats what the mirror already holds.
	apply(ev store.ChildEvent) ([]byte, domain.ChangeKind, error)
	// snapshot returns one ADD frame per mirrored child in insertion order.
	snapshot() ([][]byte, error)
}

type entry[T any] struct {
	raw    string
	entity T
}

type typedCollection[T any] struct {
	label   string
	at      string
	decode  func(key string, raw json.RawMessage) (T, error)
	order   []string
	entries map[string]entry[T]
}

func newCollection[T any](label, path string, decode func(string, json.RawMessage) (T, error)) *typedCollection[T] {
	return &typedCollection[T]{
		label:   label,
		at:      path,
		decode:  decode,
		entries: make(map[string]entry[T]),
	}
}

func messagesCollection() collection {
	return newCollection(CollectionMessages, domain.MessagesPath, func(key string, raw json.RawMessage) (domain.Message, error) {
		var msg domain.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return domain.Message{}, err
		}
		return msg.WithKey(key), nil
	})
}

func usersCollection() collection {
	return newCollection(CollectionUsers, domain.UsersPath, func(key string, raw json.RawMessage) (domain.User, error) {
		var user domain.User
		if err := json.Unmarshal(raw, &user); err != nil {
			return domain.User{}, err
		}
		return user.WithKey(key), nil
	})
}

func (c *typedCollection[T]) name() string { return c.label }

func (c *typedCollection[T]) path() string { return c.at }

func (c *typedCollection[T]) apply(ev store.ChildEvent) ([]byte, domain.ChangeKind, error) {
	entity, err := c.decode(ev.Key, ev.Value)
	if err != nil {
		return nil, ev.Kind, fmt.Errorf("decode %s/%s: %w", c.at, ev.Key, err)
	}

	kind := ev.Kind
	switch ev.Kind {
	case domain.ChangeAdd, domain.ChangeChange:
		existing, known := c.entries[ev.Key]
		switch {
		case known && ev.Kind == domain.ChangeAdd && existing.raw == string(ev.Value):
			// Replayed after a resubscribe; clients already hold it.
			c.place(ev.Key, ev.PreviousSiblingKey)
			return nil, kind, nil
		case known:
			kind = domain.ChangeChange
		default:
			kind = domain.ChangeAdd
		}
		c.entries[ev.Key] = entry[T]{raw: string(ev.Value), entity: entity}
		c.place(ev.Key, ev.PreviousSiblingKey)
	case domain.ChangeRemove:
		delete(c.entries, ev.Key)
		c.order = slices.DeleteFunc(c.order, func(k string) bool { return k == ev.Key })
	default:
		return nil, kind, fmt.Errorf("unknown change kind %q", ev.Kind)
	}

	frame, err := encode(entity, kind, ev.PreviousSiblingKey)
	return frame, kind, err
}

func (c *typedCollection[T]) snapshot() ([][]byte, error) {
	frames := make([][]byte, 0, len(c.order))
	var prev *string
	for _, key := range c.order {
		frame, err := encode(c.entries[key].entity, domain.ChangeAdd, prev)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
		k := key
		prev = &k
	}
	return frames, nil
}

// place moves key directly after prev, or to the front when prev is nil.
// An unknown prev appends.
func (c *typedCollection[T]) place(key string, prev *string) {
	c.order = slices.DeleteFunc(c.order, func(k string) bool { return k == key })
	at := 0
	if prev != nil {
		at = slices.Index(c.order, *prev) + 1
		if at == 0 {
			at = len(c.order)
		}
	}
	c.order = slices.Insert(c.order, at, key)
}

func encode[T any](entity T, kind domain.ChangeKind, prev *string) ([]byte, error) {
	return domain.Success(domain.ChangeEvent[T]{
		Entity:             entity,
		Kind:               kind,
		PreviousSiblingKey: prev,
	}).Encode()
}
