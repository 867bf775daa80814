package sqlite

import (
	"sync"

	"github.com/louisbranch/chatrelay/internal/services/relay/store"
)

type subscription struct {
	store  *Store
	path   string
	events chan store.ChildEvent
	done   chan struct{}
	stop   func() bool

	once sync.Once
	err  error
}

func (s *subscription) Events() <-chan store.ChildEvent { return s.events }

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *subscription) Close() {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.store.detachLocked(s, nil)
}

// finish must be called with the store mutex held so no sender races the
// close.
func (s *subscription) finish(cause error) {
	s.once.Do(func() {
		s.err = cause
		close(s.done)
		close(s.events)
		if s.stop != nil {
			s.stop()
		}
	})
}
