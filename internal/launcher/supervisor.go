package launcher

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrAlreadyRunning is returned when a task already has a live run.
var ErrAlreadyRunning = errors.New("task already has an active run")

// Supervisor enforces at most one live run per task and lets the operator
// kill runs by task id.
type Supervisor struct {
	mu     sync.Mutex
	gen    uint64
	active map[string]*slot
	// settling counts exits whose onExit callback is still running.
	settling map[string]int
}

type slot struct {
	gen     uint64
	handle  Handle
	pending string // kill requested before the handle was known
}

func NewSupervisor() *Supervisor {
	return &Supervisor{active: make(map[string]*slot), settling: make(map[string]int)}
}

// Start launches spec with l unless the task is already running. The slot is
// released before onExit runs, so onExit may start the task again; until
// onExit returns the task reports Settling.
func (s *Supervisor) Start(ctx context.Context, l Launcher, spec Spec, onExit func(Exit)) error {
	s.mu.Lock()
	if _, busy := s.active[spec.TaskID]; busy {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.gen++
	sl := &slot{gen: s.gen}
	s.active[spec.TaskID] = sl
	s.mu.Unlock()

	h, err := l.Launch(ctx, spec, func(exit Exit) {
		s.settle(spec.TaskID, sl.gen)
		defer s.settled(spec.TaskID)
		if onExit != nil {
			onExit(exit)
		}
	})
	if err != nil {
		s.release(spec.TaskID, sl.gen)
		return err
	}

	s.mu.Lock()
	var pending string
	if cur, ok := s.active[spec.TaskID]; ok && cur.gen == sl.gen {
		cur.handle = h
		pending = cur.pending
	}
	s.mu.Unlock()
	if pending != "" {
		h.Kill(pending)
	}
	return nil
}

func (s *Supervisor) release(taskID string, gen uint64) {
	s.mu.Lock()
	if cur, ok := s.active[taskID]; ok && cur.gen == gen {
		delete(s.active, taskID)
	}
	s.mu.Unlock()
}

// settle releases the slot and marks the exit as settling in one step.
func (s *Supervisor) settle(taskID string, gen uint64) {
	s.mu.Lock()
	if cur, ok := s.active[taskID]; ok && cur.gen == gen {
		delete(s.active, taskID)
	}
	s.settling[taskID]++
	s.mu.Unlock()
}

func (s *Supervisor) settled(taskID string) {
	s.mu.Lock()
	if s.settling[taskID]--; s.settling[taskID] <= 0 {
		delete(s.settling, taskID)
	}
	s.mu.Unlock()
}

// Settling reports whether an exit of taskID is still being handled by its
// onExit callback.
func (s *Supervisor) Settling(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settling[taskID] > 0
}

// Kill terminates the run of taskID. It reports whether a run was found.
func (s *Supervisor) Kill(taskID, reason string) bool {
	s.mu.Lock()
	cur, ok := s.active[taskID]
	var h Handle
	if ok {
		h = cur.handle
		if h == nil {
			cur.pending = reason
		}
	}
	s.mu.Unlock()
	if h != nil {
		h.Kill(reason)
	}
	return ok
}

// Wait blocks until the run of taskID (if any) has delivered its exit.
func (s *Supervisor) Wait(ctx context.Context, taskID string) error {
	s.mu.Lock()
	cur, ok := s.active[taskID]
	var h Handle
	if ok {
		h = cur.handle
	}
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	select {
	case <-h.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) Running(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[taskID]
	return ok
}

// Active returns the ids of tasks with a live run.
func (s *Supervisor) Active() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.active))
	for id := range s.active {
		out = append(out, id)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// KillAll terminates every live run, used on shutdown.
func (s *Supervisor) KillAll(reason string) int {
	ids := s.Active()
	for _, id := range ids {
		s.Kill(id, reason)
	}
	return len(ids)
}
