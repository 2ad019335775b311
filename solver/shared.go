package solver

import (
	"fmt"
	"io"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// Shared is the single ownership unit for a Handle used by several
// adapters. It counts references and serializes every change to the
// handle's linearization point. Each change bumps a generation counter;
// a linearization is only valid while its generation is current.
type Shared struct {
	mu         sync.Mutex
	h          Handle
	refs       int
	generation uint64
	linearized uint64 // generation of the last SetState, 0 if none
	owner      string
}

// Share wraps h with a reference count of one.
func Share(h Handle) *Shared {
	if h == nil {
		panic("solver: cannot share a nil handle")
	}
	return &Shared{h: h, refs: 1, generation: 1}
}

// Acquire adds a reference and returns s.
func (s *Shared) Acquire() *Shared {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == 0 {
		panic("solver: acquire on released handle")
	}
	s.refs++
	return s
}

// Release drops a reference. The last release closes the handle if it
// implements io.Closer.
func (s *Shared) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == 0 {
		return ErrReleased
	}
	s.refs--
	if s.refs > 0 {
		return nil
	}
	if c, ok := s.h.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *Shared) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// Handle gives read access for metadata queries.
func (s *Shared) Handle() Handle { return s.h }

// Do runs fn inside the critical section without touching the
// linearization point.
func (s *Shared) Do(fn func(Handle) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == 0 {
		return ErrReleased
	}
	return fn(s.h)
}

// Mutate runs fn inside the critical section and invalidates any current
// linearization, since fn may change handle state.
func (s *Shared) Mutate(fn func(Handle) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == 0 {
		return ErrReleased
	}
	s.generation++
	s.linearized = 0
	s.owner = ""
	return fn(s.h)
}

// Linearize pushes state as the linearization point on behalf of owner and
// returns the generation that identifies it. prepare, if non-nil, runs in
// the same critical section before the state is pushed.
func (s *Shared) Linearize(owner string, state mat.Vector, prepare func(Handle) error) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == 0 {
		return 0, ErrReleased
	}
	s.generation++
	s.linearized = 0
	s.owner = ""
	if prepare != nil {
		if err := prepare(s.h); err != nil {
			return 0, err
		}
	}
	if err := s.h.SetState(state); err != nil {
		return 0, err
	}
	s.linearized = s.generation
	s.owner = owner
	return s.generation, nil
}

// WithLinearization runs fn only if gen is still the current
// linearization point.
func (s *Shared) WithLinearization(gen uint64, fn func(Handle) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == 0 {
		return ErrReleased
	}
	if gen == 0 || s.linearized != gen {
		return fmt.Errorf("%w: generation %d is not current (current %d)", ErrNotLinearized, gen, s.linearized)
	}
	return fn(s.h)
}

// LinearizedBy reports the owner of the current linearization, if any.
func (s *Shared) LinearizedBy() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner, s.linearized != 0
}
