// Package timeset owns every timer a disposable unit creates, so
// teardown is one call instead of a scatter of Stop()s. Nothing
// scheduled through a Set outlives Set.Stop.
package timeset

import (
	"sync"
	"time"
)

type Set struct {
	mu      sync.Mutex
	stopped bool
	next    int
	timers  map[int]*time.Timer
	done    chan struct{}
	wg      sync.WaitGroup
}

func New() *Set {
	return &Set{
		timers: make(map[int]*time.Timer),
		done:   make(chan struct{}),
	}
}

// After schedules fn once after d. A stopped set ignores the call.
func (s *Set) After(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	id := s.next
	s.next++
	s.timers[id] = time.AfterFunc(d, func() {
		s.mu.Lock()
		_, live := s.timers[id]
		delete(s.timers, id)
		stopped := s.stopped
		s.mu.Unlock()
		if live && !stopped {
			fn()
		}
	})
}

// Every runs fn on a ticker until the set is stopped.
func (s *Set) Every(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(d)
		defer t.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-t.C:
				fn()
			}
		}
	}()
}

// Stop cancels everything and waits for periodic loops to exit.
// Idempotent; callbacks racing the stop are suppressed.
func (s *Set) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	close(s.done)
	s.mu.Unlock()
	s.wg.Wait()
}
