package engine

import (
	"sync"
	"time"

	"github.com/xraph/fleetjobs/id"
	"github.com/xraph/fleetjobs/job"
)

// timerSet holds the pending step timeout of each awaiting target.
type timerSet struct {
	mu      sync.Mutex
	pending map[id.TargetID]*stepTimer
}

type stepTimer struct {
	timer *time.Timer
	since time.Time
}

func newTimerSet() *timerSet {
	return &timerSet{pending: make(map[id.TargetID]*stepTimer)}
}

// arm schedules fn after d, replacing any timer pending for the target.
func (s *timerSet) arm(targetID id.TargetID, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.pending[targetID]; ok {
		old.timer.Stop()
	}
	s.pending[targetID] = &stepTimer{timer: time.AfterFunc(d, fn), since: time.Now()}
}

// cancel stops the target's timer and returns how long ago it was armed.
func (s *timerSet) cancel(targetID id.TargetID) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.pending[targetID]
	if !ok {
		return 0
	}
	st.timer.Stop()
	delete(s.pending, targetID)
	return time.Since(st.since)
}

func (s *timerSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *timerSet) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for targetID, st := range s.pending {
		st.timer.Stop()
		delete(s.pending, targetID)
	}
}

// tally tracks an execution in this process: its per-step outcome counts
// and whether targets are still being started or the execution is being
// stopped.
type tally struct {
	ok       map[int]int
	failed   map[int]int
	starting bool
	stopping bool
}

type tallySet struct {
	mu    sync.Mutex
	execs map[id.ExecutionID]*tally
}

func newTallySet() *tallySet {
	return &tallySet{execs: make(map[id.ExecutionID]*tally)}
}

// begin starts tracking an execution whose targets are being started.
func (s *tallySet) begin(executionID id.ExecutionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[executionID] = &tally{ok: make(map[int]int), failed: make(map[int]int), starting: true}
}

// adopt tracks an execution started by an earlier process. Only outcomes
// recorded from now on are counted.
func (s *tallySet) adopt(executionID id.ExecutionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[executionID]; !ok {
		s.execs[executionID] = &tally{ok: make(map[int]int), failed: make(map[int]int)}
	}
}

// update applies fn to the execution's tally if it is tracked.
func (s *tallySet) update(executionID id.ExecutionID, fn func(t *tally)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.execs[executionID]; ok {
		fn(t)
	}
}

func (s *tallySet) doneStarting(executionID id.ExecutionID) {
	s.update(executionID, func(t *tally) { t.starting = false })
}

func (s *tallySet) setStopping(executionID id.ExecutionID) {
	s.update(executionID, func(t *tally) { t.stopping = true })
}

func (s *tallySet) stepOK(executionID id.ExecutionID, stepIndex int) {
	s.update(executionID, func(t *tally) { t.ok[stepIndex]++ })
}

func (s *tallySet) stepFailed(executionID id.ExecutionID, stepIndex int) {
	s.update(executionID, func(t *tally) { t.failed[stepIndex]++ })
}

func (s *tallySet) starting(executionID id.ExecutionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.execs[executionID]
	return ok && t.starting
}

func (s *tallySet) stopping(executionID id.ExecutionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.execs[executionID]
	return ok && t.stopping
}

// summary removes the execution's tally and returns one StepSummary per
// step of a job with steps steps.
func (s *tallySet) summary(executionID id.ExecutionID, steps int) []job.StepSummary {
	s.mu.Lock()
	t, ok := s.execs[executionID]
	delete(s.execs, executionID)
	s.mu.Unlock()

	out := make([]job.StepSummary, steps)
	for i := range out {
		out[i].Index = i
		if ok {
			out[i].OK = t.ok[i]
			out[i].Failed = t.failed[i]
		}
	}
	return out
}
