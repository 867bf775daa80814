// Package registry tracks live chat sessions and fans frames out to them.
//
// A session is keyed by its connection. Each session owns a bounded outbox
// drained by one writer goroutine, so a broadcast never waits on a peer: a
// session whose outbox is full is evicted instead.
package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	apperrors "github.com/louisbranch/chatrelay/internal/platform/errors"
	"github.com/louisbranch/chatrelay/internal/platform/logging"
	"github.com/louisbranch/chatrelay/internal/platform/timeouts"
	"github.com/louisbranch/chatrelay/internal/services/relay/domain"
	"go.uber.org/zap"
)

const defaultOutboxSize = 64

// Conn is the write side of a client connection.
type Conn interface {
	Send(frame []byte) error
	Close() error
}

// Options tunes a Registry.
type Options struct {
	// OutboxSize bounds the frames queued per session.
	OutboxSize int
	// FlushTimeout bounds how long Unregister waits for queued frames to be
	// written before closing the connection.
	FlushTimeout time.Duration
	Clock        clock.Clock
	Logger       *zap.Logger
	Metrics      *Metrics
}

// Registry is the process-wide session table.
type Registry struct {
	outboxSize   int
	flushTimeout time.Duration
	clock        clock.Clock
	logger       *zap.Logger
	metrics      *Metrics

	mu       sync.Mutex
	sessions map[Conn]*Session
	closed   bool
}

// Session is one registered connection and its resolved user.
type Session struct {
	registry *Registry
	conn     Conn
	user     domain.User

	outbox   chan []byte
	quit     chan struct{}
	done     chan struct{}
	once     sync.Once
	evicting atomic.Bool
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = defaultOutboxSize
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = timeouts.SessionFlush
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Registry{
		outboxSize:   opts.OutboxSize,
		flushTimeout: opts.FlushTimeout,
		clock:        opts.Clock,
		logger:       logging.OrNop(opts.Logger).Named("registry"),
		metrics:      opts.Metrics,
		sessions:     make(map[Conn]*Session),
	}
}

// Register adds a session for conn. Seed frames are queued before the session
// becomes visible to broadcasts.
func (r *Registry) Register(conn Conn, user domain.User, seed ...[]byte) (*Session, error) {
	if conn == nil {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "connection is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, apperrors.New(apperrors.CodeSessionClosed, "registry is closed")
	}
	if _, exists := r.sessions[conn]; exists {
		return nil, apperrors.New(apperrors.CodeSessionExists, "connection already registered")
	}

	s := &Session{
		registry: r,
		conn:     conn,
		user:     user,
		outbox:   make(chan []byte, r.outboxSize+len(seed)),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, frame := range seed {
		s.outbox <- frame
	}
	r.sessions[conn] = s
	r.metrics.setSessions(len(r.sessions))
	go s.pump()

	r.logger.Debug("session registered", zap.String("user_id", user.ID), zap.Int("sessions", len(r.sessions)))
	return s, nil
}

// Unregister removes s and stops its writer after queued frames are flushed.
// It is safe to call more than once and from any goroutine; every call
// returns only after teardown has completed.
func (r *Registry) Unregister(s *Session) {
	if s == nil {
		return
	}
	s.once.Do(func() {
		r.mu.Lock()
		if r.sessions[s.conn] == s {
			delete(r.sessions, s.conn)
		}
		remaining := len(r.sessions)
		r.metrics.setSessions(remaining)
		r.mu.Unlock()

		close(s.quit)
		timer := r.clock.Timer(r.flushTimeout)
		defer timer.Stop()
		select {
		case <-s.done:
		case <-timer.C:
			r.logger.Warn("session flush timed out", zap.String("user_id", s.user.ID))
			_ = s.conn.Close()
			<-s.done
		}
		r.logger.Debug("session unregistered", zap.String("user_id", s.user.ID), zap.Int("sessions", remaining))
	})
}

// Broadcast queues frame to every registered session and returns the number
// of sessions it was queued to. Sessions with a full outbox are evicted.
func (r *Registry) Broadcast(frame []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	delivered := 0
	for _, s := range r.sessions {
		select {
		case s.outbox <- frame:
			delivered++
		default:
			r.evict(s)
		}
	}
	r.metrics.delivered(delivered)
	return delivered
}

// Send queues a direct reply to s behind anything already queued.
func (r *Registry) Send(ctx context.Context, s *Session, frame []byte) error {
	select {
	case <-s.quit:
		return apperrors.New(apperrors.CodeSessionClosed, "session is closed")
	default:
	}
	select {
	case s.outbox <- frame:
		return nil
	case <-s.quit:
		return apperrors.New(apperrors.CodeSessionClosed, "session is closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DisconnectAll closes every session's connection and unregisters it.
func (r *Registry) DisconnectAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.conn.Close()
			r.Unregister(s)
		}()
	}
	wg.Wait()
}

// Close rejects further registrations and disconnects every session.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.DisconnectAll()
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Lookup returns the session registered for conn.
func (r *Registry) Lookup(conn Conn) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[conn]
	return s, ok
}

// evict must be called with r.mu held.
func (r *Registry) evict(s *Session) {
	if !s.evicting.CompareAndSwap(false, true) {
		return
	}
	r.metrics.evicted()
	r.logger.Warn("evicting slow session", zap.String("user_id", s.user.ID), zap.Int("outbox", cap(s.outbox)))
	go func() {
		_ = s.conn.Close()
		r.Unregister(s)
	}()
}

// User returns the session's resolved user.
func (s *Session) User() domain.User { return s.user }

// Conn returns the session's connection.
func (s *Session) Conn() Conn { return s.conn }

// Done is closed once the session's writer has stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) pump() {
	defer close(s.done)
	for {
		select {
		case frame := <-s.outbox:
			if err := s.conn.Send(frame); err != nil {
				s.fail(err)
				return
			}
		case <-s.quit:
			s.flush()
			return
		}
	}
}

func (s *Session) flush() {
	for {
		select {
		case frame := <-s.outbox:
			if err := s.conn.Send(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) fail(err error) {
	s.registry.logger.Debug("session write failed", zap.String("user_id", s.user.ID), zap.Error(err))
	_ = s.conn.Close()
	go s.registry.Unregister(s)
}
