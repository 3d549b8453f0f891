package orchestrator

import "sync"

// RunState is the shared stop flag for one run. The first failure wins; every
// later Fail is a no-op so the recorded message always names the original
// cause. Traversal and operations consult Failed before any remote call and
// unwind without acting once it is set.
type RunState struct {
	mu      sync.Mutex
	failed  bool
	message string
}

func NewRunState() *RunState {
	return &RunState{}
}

func (s *RunState) Fail(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return
	}
	s.failed = true
	s.message = message
}

func (s *RunState) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

func (s *RunState) Message() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.message
}
