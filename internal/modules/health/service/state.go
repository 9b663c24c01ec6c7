package service

import (
	"sync"
	"sync/atomic"
	"time"
)

type State struct {
	ready     atomic.Bool
	startedAt time.Time

	wsConnected atomic.Bool

	mu    sync.RWMutex
	pairs func() map[string]string
}

func NewState() *State {
	s := &State{startedAt: time.Now()}
	s.ready.Store(false)
	return s
}

func (s *State) SetReady(v bool) { s.ready.Store(v) }
func (s *State) Ready() bool     { return s.ready.Load() }

func (s *State) SetWSConnected(v bool) { s.wsConnected.Store(v) }
func (s *State) WSConnected() bool     { return s.wsConnected.Load() }

// SetPairStates подключает источник состояний пар (оркестратор).
func (s *State) SetPairStates(fn func() map[string]string) {
	s.mu.Lock()
	s.pairs = fn
	s.mu.Unlock()
}

func (s *State) PairStates() map[string]string {
	s.mu.RLock()
	fn := s.pairs
	s.mu.RUnlock()

	if fn == nil {
		return map[string]string{}
	}
	return fn()
}

func (s *State) Uptime() time.Duration { return time.Since(s.startedAt) }
