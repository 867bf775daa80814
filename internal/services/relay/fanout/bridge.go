// Package fanout turns store change notifications into relay broadcasts.
//
// The bridge holds exactly one store subscription per watched collection for
// the life of the process. Sessions joining or leaving never open or close
// one, so each upstream change reaches each registered session once.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v5"
	apperrors "github.com/louisbranch/chatrelay/internal/platform/errors"
	"github.com/louisbranch/chatrelay/internal/platform/logging"
	"github.com/louisbranch/chatrelay/internal/services/relay/domain"
	"github.com/louisbranch/chatrelay/internal/services/relay/registry"
	"github.com/louisbranch/chatrelay/internal/services/relay/store"
	"go.uber.org/zap"
)

// Watched collection names.
const (
	CollectionMessages = "messages"
	CollectionUsers    = "users"
)

const (
	defaultMaxResubscribeAttempts = 5
	defaultInitialBackoff         = 250 * time.Millisecond
	defaultMaxBackoff             = 10 * time.Second
)

var errSubscriptionEnded = errors.New("subscription ended")

// Sessions is the registry surface the bridge drives.
type Sessions interface {
	Register(conn registry.Conn, user domain.User, seed ...[]byte) (*registry.Session, error)
	Broadcast(frame []byte) int
	DisconnectAll()
}

// Options tunes a Bridge.
type Options struct {
	// MaxResubscribeAttempts bounds consecutive failed attempts to restore a
	// cancelled subscription before the collection is declared lost.
	MaxResubscribeAttempts int
	InitialBackoff         time.Duration
	MaxBackoff             time.Duration
	Clock                  clock.Clock
	Logger                 *zap.Logger
	Metrics                *Metrics
}

// Bridge feeds the session registry from the store.
type Bridge struct {
	store       store.Store
	sessions    Sessions
	maxAttempts int
	initial     time.Duration
	max         time.Duration
	clock       clock.Clock
	logger      *zap.Logger
	metrics     *Metrics
	collections []collection

	// mu serializes emission and Join so history replay and live events
	// reach each session in one order.
	mu sync.Mutex

	started  atomic.Bool
	healthy  atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once

	errMu sync.Mutex
	err   error
}

// NewBridge watches the messages and users collections of st.
func NewBridge(st store.Store, sessions Sessions, opts Options) *Bridge {
	if opts.MaxResubscribeAttempts <= 0 {
		opts.MaxResubscribeAttempts = defaultMaxResubscribeAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Bridge{
		store:       st,
		sessions:    sessions,
		maxAttempts: opts.MaxResubscribeAttempts,
		initial:     opts.InitialBackoff,
		max:         opts.MaxBackoff,
		clock:       opts.Clock,
		logger:      logging.OrNop(opts.Logger).Named("fanout"),
		metrics:     opts.Metrics,
		collections: []collection{usersCollection(), messagesCollection()},
		done:        make(chan struct{}),
	}
}

// Start opens one subscription per collection and begins broadcasting. It
// returns once every subscription is attached.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return errors.New("bridge already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	subs := make([]store.Subscription, 0, len(b.collections))
	for _, c := range b.collections {
		sub, err := b.store.SubscribeChildren(ctx, c.path())
		if err != nil {
			for _, opened := range subs {
				opened.Close()
			}
			cancel()
			close(b.done)
			return fmt.Errorf("subscribe %s: %w", c.path(), err)
		}
		subs = append(subs, sub)
	}

	b.healthy.Store(true)
	for i, c := range b.collections {
		b.wg.Add(1)
		go b.run(ctx, c, subs[i])
	}
	go func() {
		b.wg.Wait()
		b.healthy.Store(false)
		close(b.done)
	}()
	b.logger.Info("bridge started", zap.Int("collections", len(b.collections)))
	return nil
}

// Stop closes the subscriptions and waits for the collection loops to exit.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if !b.started.Load() {
			return
		}
		b.cancel()
		<-b.done
	})
}

// Join registers conn seeded with the current contents of every collection,
// so the session sees history followed by live changes with nothing lost or
// repeated in between.
func (b *Bridge) Join(conn registry.Conn, user domain.User) (*registry.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.Healthy() {
		return nil, apperrors.New(apperrors.CodeStreamLost, "chat stream unavailable")
	}
	var seed [][]byte
	for _, c := range b.collections {
		frames, err := c.snapshot()
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", c.name(), err)
		}
		seed = append(seed, frames...)
	}
	return b.sessions.Register(conn, user, seed...)
}

// Healthy reports whether every subscription is live.
func (b *Bridge) Healthy() bool {
	return b.healthy.Load()
}

// Done is closed when the bridge has stopped, by Stop or because a
// collection was lost.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Err returns the reason a collection was lost, or nil.
func (b *Bridge) Err() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.err
}

// Wait blocks until the bridge stops or ctx ends. It returns Err when the
// bridge stopped on its own.
func (b *Bridge) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return b.Err()
	case <-ctx.Done():
		return nil
	}
}

func (b *Bridge) run(ctx context.Context, c collection, sub store.Subscription) {
	defer b.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.initial
	bo.MaxInterval = b.max

	for {
		cause := b.consume(ctx, c, sub)
		if ctx.Err() != nil {
			return
		}
		if cause == nil {
			cause = errSubscriptionEnded
		}
		b.logger.Warn("subscription cancelled", zap.String("collection", c.name()), zap.Error(cause))

		bo.Reset()
		next, err := b.resubscribe(ctx, c, bo)
		if err != nil {
			if ctx.Err() == nil {
				b.lose(c, errors.Join(cause, err))
			}
			return
		}
		sub = next
	}
}

func (b *Bridge) consume(ctx context.Context, c collection, sub store.Subscription) error {
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return sub.Err()
			}
			b.emit(c, ev)
		case <-ctx.Done():
			sub.Close()
			return nil
		}
	}
}

func (b *Bridge) resubscribe(ctx context.Context, c collection, bo *backoff.ExponentialBackOff) (store.Subscription, error) {
	var lastErr error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		if !b.sleep(ctx, bo.NextBackOff()) {
			return nil, ctx.Err()
		}
		sub, err := b.store.SubscribeChildren(ctx, c.path())
		if err == nil {
			b.metrics.resubscribed(c.name())
			b.logger.Info("subscription restored", zap.String("collection", c.name()), zap.Int("attempt", attempt))
			return sub, nil
		}
		lastErr = err
		b.logger.Warn("resubscribe failed",
			zap.String("collection", c.name()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return nil, fmt.Errorf("resubscribe gave up after %d attempts: %w", b.maxAttempts, lastErr)
}

func (b *Bridge) sleep(ctx context.Context, d time.Duration) bool {
	timer := b.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (b *Bridge) emit(c collection, ev store.ChildEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	frame, kind, err := c.apply(ev)
	if err != nil {
		b.logger.Error("drop change event", zap.String("collection", c.name()), zap.String("key", ev.Key), zap.Error(err))
		return
	}
	if frame == nil {
		return
	}
	delivered := b.sessions.Broadcast(frame)
	b.metrics.event(c.name(), string(kind))
	b.logger.Debug("broadcast",
		zap.String("collection", c.name()),
		zap.String("kind", string(kind)),
		zap.String("key", ev.Key),
		zap.Int("sessions", delivered),
	)
}

func (b *Bridge) lose(c collection, cause error) {
	err := apperrors.Wrap(apperrors.CodeStreamLost, c.name()+" subscription lost", cause)
	b.errMu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.errMu.Unlock()

	// Under mu so no Join can register after DisconnectAll has run.
	b.mu.Lock()
	b.healthy.Store(false)
	b.mu.Unlock()

	b.logger.Error("collection lost, disconnecting sessions", zap.String("collection", c.name()), zap.Error(cause))
	b.sessions.DisconnectAll()
	b.cancel()
}
