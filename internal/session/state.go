// Package session holds process-wide room state that is deliberately not
// persisted: the lockdown and silent switches. One State is constructed at
// startup and passed to every component that reads or flips it.
package session

import "sync"

type State struct {
	mu       sync.RWMutex
	lockdown bool
	silent   bool
}

func NewState() *State { return &State{} }

// Lockdown blocks all non-admin posting.
func (s *State) Lockdown() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lockdown
}

func (s *State) SetLockdown(on bool) {
	s.mu.Lock()
	s.lockdown = on
	s.mu.Unlock()
}

// Silent keeps the room read-only for announcements; admins may still post.
func (s *State) Silent() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.silent
}

func (s *State) SetSilent(on bool) {
	s.mu.Lock()
	s.silent = on
	s.mu.Unlock()
}
