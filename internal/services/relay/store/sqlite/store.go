package sqlite

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/louisbranch/chatrelay/internal/platform/logging"
	"github.com/louisbranch/chatrelay/internal/platform/storage/sqlitedb"
	"github.com/louisbranch/chatrelay/internal/services/relay/domain"
	"github.com/louisbranch/chatrelay/internal/services/relay/store"
	"github.com/louisbranch/chatrelay/internal/services/relay/store/sqlite/migrations"
	"go.uber.org/zap"
)

const defaultSubscriptionBuffer = 256

// Options tunes a Store.
type Options struct {
	// SubscriptionBuffer is the number of live events a subscriber may lag
	// behind before it is cancelled. The replay on attach does not count.
	SubscriptionBuffer int
	Clock              clock.Clock
	Logger             *zap.Logger
}

// Store is a SQLite implementation of store.Store.
type Store struct {
	db     *sql.DB
	clock  clock.Clock
	logger *zap.Logger
	buffer int

	ops        chan op
	quit       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once

	mu       sync.Mutex
	watchers map[string]map[*subscription]struct{}
	closed   bool
}

type op struct {
	ctx    context.Context
	run    func(context.Context)
	reject func(error)
}

type node struct {
	seq    int64
	parent string
	key    string
	value  string
}

type notification struct {
	parent string
	event  store.ChildEvent
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens the store at path, applying its migrations.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	db, err := sqlitedb.Open(ctx, path, migrations.FS)
	if err != nil {
		return nil, err
	}
	// Writes are already serialized by the writer goroutine.
	db.SetMaxOpenConns(1)

	if opts.SubscriptionBuffer <= 0 {
		opts.SubscriptionBuffer = defaultSubscriptionBuffer
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	s := &Store{
		db:         db,
		clock:      opts.Clock,
		logger:     logging.OrNop(opts.Logger).Named("store"),
		buffer:     opts.SubscriptionBuffer,
		ops:        make(chan op),
		quit:       make(chan struct{}),
		writerDone: make(chan struct{}),
		watchers:   make(map[string]map[*subscription]struct{}),
	}
	go s.writeLoop()
	return s, nil
}

// Close stops the writer, cancels open subscriptions with store.ErrClosed and
// closes the database.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		close(s.quit)
		<-s.writerDone

		s.mu.Lock()
		s.closed = true
		for _, subs := range s.watchers {
			for sub := range subs {
				s.detachLocked(sub, store.ErrClosed)
			}
		}
		s.mu.Unlock()

		err = s.db.Close()
	})
	return err
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, path string, dst any) error {
	segments, err := store.SplitPath(path)
	if err != nil {
		return err
	}
	if s.isClosed() {
		return store.ErrClosed
	}

	n, rest, err := resolve(ctx, s.db, segments)
	if err != nil {
		return err
	}
	raw := n.value
	if len(rest) > 0 {
		var nested sql.NullString
		if err := s.db.QueryRowContext(ctx, `SELECT json(?) -> ?`, n.value, jsonPath(rest)).Scan(&nested); err != nil {
			return fmt.Errorf("extract %s: %w", path, err)
		}
		if !nested.Valid {
			return store.ErrNotFound
		}
		raw = nested.String
	}
	if raw == "null" {
		return store.ErrNotFound
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Set implements store.Store. Setting null removes the path.
func (s *Store) Set(ctx context.Context, path string, value any) error {
	segments, err := store.SplitPath(path)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if string(raw) == "null" {
		return s.Remove(ctx, path)
	}

	_, err = store.Await(ctx, func(complete func(struct{}, error)) {
		s.submit(ctx, func(ctx context.Context) {
			complete(struct{}{}, s.set(ctx, segments, string(raw)))
		}, func(err error) {
			complete(struct{}{}, err)
		})
	})
	return err
}

// Push implements store.Store. Keys are UUIDv7 strings.
func (s *Store) Push(ctx context.Context, path string, value any) (string, error) {
	if _, err := store.SplitPath(path); err != nil {
		return "", err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", path, err)
	}

	return store.Await(ctx, func(complete func(string, error)) {
		s.submit(ctx, func(ctx context.Context) {
			complete(s.push(ctx, path, string(raw)))
		}, func(err error) {
			complete("", err)
		})
	})
}

// Remove implements store.Store.
func (s *Store) Remove(ctx context.Context, path string) error {
	segments, err := store.SplitPath(path)
	if err != nil {
		return err
	}

	_, err = store.Await(ctx, func(complete func(struct{}, error)) {
		s.submit(ctx, func(ctx context.Context) {
			complete(struct{}{}, s.remove(ctx, segments))
		}, func(err error) {
			complete(struct{}{}, err)
		})
	})
	return err
}

// SubscribeChildren implements store.Store. The subscription closes when ctx
// ends.
func (s *Store) SubscribeChildren(ctx context.Context, path string) (store.Subscription, error) {
	if _, err := store.SplitPath(path); err != nil {
		return nil, err
	}

	return store.Await(ctx, func(complete func(store.Subscription, error)) {
		s.submit(ctx, func(ctx context.Context) {
			sub, err := s.attach(ctx, path)
			if err != nil {
				complete(nil, err)
				return
			}
			complete(sub, nil)
		}, func(err error) {
			complete(nil, err)
		})
	})
}

// Revoke cancels every subscription on path with cause, the way a provider
// revoking access would.
func (s *Store) Revoke(path string, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.watchers[path] {
		s.detachLocked(sub, cause)
	}
}

// Watchers returns the number of live subscriptions on path.
func (s *Store) Watchers(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers[path])
}

func (s *Store) isClosed() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

func (s *Store) submit(ctx context.Context, run func(context.Context), reject func(error)) {
	select {
	case s.ops <- op{ctx: ctx, run: run, reject: reject}:
	case <-s.quit:
		reject(store.ErrClosed)
	case <-ctx.Done():
		reject(ctx.Err())
	}
}

func (s *Store) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case <-s.quit:
			return
		case o := <-s.ops:
			if err := o.ctx.Err(); err != nil {
				o.reject(err)
				continue
			}
			o.run(o.ctx)
		}
	}
}

func (s *Store) set(ctx context.Context, segments []string, raw string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.clock.Now().UnixMilli()
	var (
		target node
		kind   domain.ChangeKind
	)
	n, rest, err := resolve(ctx, tx, segments)
	switch {
	case err == nil && len(rest) > 0:
		target = n
		kind = domain.ChangeChange
		if err := tx.QueryRowContext(ctx,
			`UPDATE nodes SET value = json_set(value, ?, json(?)), updated_at = ? WHERE seq = ? RETURNING value`,
			jsonPath(rest), raw, now, n.seq,
		).Scan(&target.value); err != nil {
			return fmt.Errorf("update nested value: %w", err)
		}
	case err == nil:
		target = n
		target.value = raw
		kind = domain.ChangeChange
		if _, err := tx.ExecContext(ctx,
			`UPDATE nodes SET value = ?, updated_at = ? WHERE seq = ?`, raw, now, n.seq,
		); err != nil {
			return fmt.Errorf("update value: %w", err)
		}
	case errors.Is(err, store.ErrNotFound):
		target, err = insert(ctx, tx, store.JoinPath(segments[:len(segments)-1]...), segments[len(segments)-1], raw, now)
		if err != nil {
			return err
		}
		kind = domain.ChangeAdd
	default:
		return err
	}

	prev, err := previousKey(ctx, tx, target.parent, target.seq)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set: %w", err)
	}
	s.notify(notification{parent: target.parent, event: store.ChildEvent{
		Kind:               kind,
		Key:                target.key,
		Value:              json.RawMessage(target.value),
		PreviousSiblingKey: prev,
	}})
	return nil
}

func (s *Store) push(ctx context.Context, parent string, raw string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin push: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	n, err := insert(ctx, tx, parent, id.String(), raw, s.clock.Now().UnixMilli())
	if err != nil {
		return "", err
	}
	prev, err := previousKey(ctx, tx, parent, n.seq)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit push: %w", err)
	}
	s.notify(notification{parent: parent, event: store.ChildEvent{
		Kind:               domain.ChangeAdd,
		Key:                n.key,
		Value:              json.RawMessage(n.value),
		PreviousSiblingKey: prev,
	}})
	return n.key, nil
}

func (s *Store) remove(ctx context.Context, segments []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin remove: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	n, rest, err := resolve(ctx, tx, segments)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var notes []notification
	if len(rest) > 0 {
		var updated string
		if err := tx.QueryRowContext(ctx,
			`UPDATE nodes SET value = json_remove(value, ?), updated_at = ? WHERE seq = ? RETURNING value`,
			jsonPath(rest), s.clock.Now().UnixMilli(), n.seq,
		).Scan(&updated); err != nil {
			return fmt.Errorf("remove nested value: %w", err)
		}
		if updated == n.value {
			return nil
		}
		prev, err := previousKey(ctx, tx, n.parent, n.seq)
		if err != nil {
			return err
		}
		notes = append(notes, notification{parent: n.parent, event: store.ChildEvent{
			Kind:               domain.ChangeChange,
			Key:                n.key,
			Value:              json.RawMessage(updated),
			PreviousSiblingKey: prev,
		}})
	} else {
		removed, err := deleteTree(ctx, tx, n)
		if err != nil {
			return err
		}
		for _, r := range removed {
			notes = append(notes, notification{parent: r.parent, event: store.ChildEvent{
				Kind:  domain.ChangeRemove,
				Key:   r.key,
				Value: json.RawMessage(r.value),
			}})
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit remove: %w", err)
	}
	s.notify(notes...)
	return nil
}

func (s *Store) attach(ctx context.Context, path string) (*subscription, error) {
	replay, err := children(ctx, s.db, path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	sub := &subscription{
		store:  s,
		path:   path,
		events: make(chan store.ChildEvent, len(replay)+s.buffer),
		done:   make(chan struct{}),
	}
	for _, event := range replay {
		sub.events <- event
	}
	if s.watchers[path] == nil {
		s.watchers[path] = make(map[*subscription]struct{})
	}
	s.watchers[path][sub] = struct{}{}
	sub.stop = context.AfterFunc(ctx, sub.Close)
	return sub, nil
}

func (s *Store) notify(notes ...notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, note := range notes {
		for sub := range s.watchers[note.parent] {
			select {
			case sub.events <- note.event:
			default:
				s.logger.Warn("subscriber fell behind, cancelling",
					zap.String("path", note.parent),
					zap.Int("buffer", cap(sub.events)),
				)
				s.detachLocked(sub, store.ErrSubscriptionOverflow)
			}
		}
	}
}

func (s *Store) detachLocked(sub *subscription, cause error) {
	if subs, ok := s.watchers[sub.path]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(s.watchers, sub.path)
		}
	}
	sub.finish(cause)
}

// resolve finds the deepest stored node that is a prefix of segments and
// returns it with the remaining segments addressing a field inside it.
func resolve(ctx context.Context, q queryer, segments []string) (node, []string, error) {
	for i := len(segments); i >= 1; i-- {
		n := node{parent: store.JoinPath(segments[:i-1]...), key: segments[i-1]}
		err := q.QueryRowContext(ctx,
			`SELECT seq, value FROM nodes WHERE parent = ? AND key = ?`, n.parent, n.key,
		).Scan(&n.seq, &n.value)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return node{}, nil, fmt.Errorf("load %s/%s: %w", n.parent, n.key, err)
		}
		return n, segments[i:], nil
	}
	return node{}, nil, store.ErrNotFound
}

func insert(ctx context.Context, q queryer, parent, key, raw string, now int64) (node, error) {
	n := node{parent: parent, key: key, value: raw}
	if err := q.QueryRowContext(ctx,
		`INSERT INTO nodes (parent, key, value, updated_at) VALUES (?, ?, ?, ?) RETURNING seq`,
		parent, key, raw, now,
	).Scan(&n.seq); err != nil {
		return node{}, fmt.Errorf("insert %s/%s: %w", parent, key, err)
	}
	return n, nil
}

func previousKey(ctx context.Context, q queryer, parent string, seq int64) (*string, error) {
	var key string
	err := q.QueryRowContext(ctx,
		`SELECT key FROM nodes WHERE parent = ? AND seq < ? ORDER BY seq DESC LIMIT 1`, parent, seq,
	).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load previous sibling: %w", err)
	}
	return &key, nil
}

func children(ctx context.Context, q queryer, parent string) ([]store.ChildEvent, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT key, value FROM nodes WHERE parent = ? ORDER BY seq`, parent,
	)
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", parent, err)
	}
	defer rows.Close()

	var (
		events []store.ChildEvent
		prev   *string
	)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan child of %s: %w", parent, err)
		}
		events = append(events, store.ChildEvent{
			Kind:               domain.ChangeAdd,
			Key:                key,
			Value:              json.RawMessage(value),
			PreviousSiblingKey: prev,
		})
		k := key
		prev = &k
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list children of %s: %w", parent, err)
	}
	return events, nil
}

// deleteTree removes n and every node stored beneath it, returning what was
// removed in insertion order.
func deleteTree(ctx context.Context, q queryer, n node) ([]node, error) {
	full := store.JoinPath(n.parent, n.key)
	if n.parent == "" {
		full = n.key
	}
	prefix := full + "/"

	rows, err := q.QueryContext(ctx,
		`DELETE FROM nodes WHERE seq = ? OR parent = ? OR substr(parent, 1, ?) = ?
		 RETURNING seq, parent, key, value`,
		n.seq, full, len(prefix), prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("delete %s: %w", full, err)
	}
	defer rows.Close()

	var removed []node
	for rows.Next() {
		var r node
		if err := rows.Scan(&r.seq, &r.parent, &r.key, &r.value); err != nil {
			return nil, fmt.Errorf("scan removed node: %w", err)
		}
		removed = append(removed, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("delete %s: %w", full, err)
	}
	slices.SortFunc(removed, func(a, b node) int {
		return cmp.Compare(a.seq, b.seq)
	})
	return removed, nil
}

func jsonPath(segments []string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, segment := range segments {
		b.WriteString(`."`)
		b.WriteString(segment)
		b.WriteString(`"`)
	}
	return b.String()
}

var _ store.Store = (*Store)(nil)
