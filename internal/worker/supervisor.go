package worker

import (
	"context"
	"errors"
	"log"
	"sync"

	"TronPayWatch/internal/models"
)

var ErrSupervisorClosed = errors.New("watcher supervisor is shut down")

// Supervisor owns the running watchers, at most one per order id, and joins
// them on shutdown.
type Supervisor struct {
	settings *Settings

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	watchers map[string]*Watcher
	closed   bool
}

func NewSupervisor(settings *Settings) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		settings: settings,
		ctx:      ctx,
		cancel:   cancel,
		watchers: map[string]*Watcher{},
	}
}

// Spawn starts a watcher for order unless one is already running.
func (s *Supervisor) Spawn(order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSupervisorClosed
	}
	if _, running := s.watchers[order.OrderID]; running {
		return nil
	}
	w := NewWatcher(order, s.settings)
	s.watchers[order.OrderID] = w
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.forget(order.OrderID, w)
		w.Run(s.ctx)
	}()
	return nil
}

// Stop signals the order's watcher to exit and returns without waiting.
func (s *Supervisor) Stop(orderID string) bool {
	s.mu.Lock()
	w, ok := s.watchers[orderID]
	s.mu.Unlock()
	if ok {
		w.Stop()
	}
	return ok
}

func (s *Supervisor) Watcher(orderID string) (*Watcher, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watchers[orderID]
	return w, ok
}

func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

// Shutdown stops every watcher and waits for all of them to return, or for
// ctx to expire. Orders stay pending in the store.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	n := len(s.watchers)
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Printf("watchers stopped count=%d", n)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) forget(orderID string, w *Watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watchers[orderID] == w {
		delete(s.watchers, orderID)
	}
}
