package felling

import (
	"context"
	"sort"
	"sync"

	"github.com/google/btree"
)

// FinalizeFunc receives every replay that has come to rest. forced is set
// when the replay ran out of ticks before it landed.
type FinalizeFunc func(ctx context.Context, replay *Replay, forced bool)

type deadline struct {
	tick uint64
	id   string
}

func deadlineLess(a, b deadline) bool {
	if a.tick != b.tick {
		return a.tick < b.tick
	}
	return a.id < b.id
}

// Scheduler advances every active replay once per world tick.
type Scheduler struct {
	mu        sync.Mutex
	maxActive int
	maxTicks  int
	tick      uint64
	replays   map[string]*Replay
	deadlines map[string]deadline
	queue     *btree.BTreeG[deadline]
	finalize  FinalizeFunc
}

func NewScheduler(maxActive, maxTicks int, finalize FinalizeFunc) *Scheduler {
	if finalize == nil {
		finalize = func(context.Context, *Replay, bool) {}
	}
	return &Scheduler{
		maxActive: maxActive,
		maxTicks:  maxTicks,
		replays:   make(map[string]*Replay),
		deadlines: make(map[string]deadline),
		queue:     btree.NewG[deadline](8, deadlineLess),
		finalize:  finalize,
	}
}

// Submit registers replay. It returns ErrBusy when maxActive replays are
// already running.
func (s *Scheduler) Submit(replay *Replay) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxActive > 0 && len(s.replays) >= s.maxActive {
		return ErrBusy
	}
	d := deadline{tick: s.tick + uint64(max(s.maxTicks, 1)), id: replay.ID}
	s.replays[replay.ID] = replay
	s.deadlines[replay.ID] = d
	s.queue.ReplaceOrInsert(d)
	return nil
}

// Cancel drops a replay without finalizing it.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(id) != nil
}

func (s *Scheduler) removeLocked(id string) *Replay {
	replay, ok := s.replays[id]
	if !ok {
		return nil
	}
	s.queue.Delete(s.deadlines[id])
	delete(s.deadlines, id)
	delete(s.replays, id)
	return replay
}

// SetLimits applies to replays submitted afterwards.
func (s *Scheduler) SetLimits(maxActive, maxTicks int) {
	s.mu.Lock()
	s.maxActive = maxActive
	s.maxTicks = maxTicks
	s.mu.Unlock()
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replays)
}

// Active lists the running replays ordered by id.
func (s *Scheduler) Active() []Status {
	s.mu.Lock()
	replays := s.sortedLocked()
	s.mu.Unlock()
	out := make([]Status, 0, len(replays))
	for _, replay := range replays {
		out = append(out, replay.Status())
	}
	return out
}

func (s *Scheduler) sortedLocked() []*Replay {
	out := make([]*Replay, 0, len(s.replays))
	for _, replay := range s.replays {
		out = append(out, replay)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type finished struct {
	replay *Replay
	forced bool
}

// Tick advances every begun replay by dt seconds. Replays that landed, and
// replays whose deadline has passed, are removed and handed to the finalize
// callback outside the scheduler lock.
func (s *Scheduler) Tick(ctx context.Context, dt float64) int {
	s.mu.Lock()
	s.tick++
	now := s.tick

	var done []finished
	for _, replay := range s.sortedLocked() {
		if !replay.Begun() {
			continue
		}
		if replay.Advance(dt) {
			s.removeLocked(replay.ID)
			done = append(done, finished{replay: replay})
		}
	}

	var expired []deadline
	s.queue.Ascend(func(d deadline) bool {
		if d.tick > now {
			return false
		}
		expired = append(expired, d)
		return true
	})
	for _, d := range expired {
		replay := s.replays[d.id]
		if replay == nil || !replay.Begun() {
			continue
		}
		replay.ForceLand()
		s.removeLocked(d.id)
		done = append(done, finished{replay: replay, forced: true})
	}
	s.mu.Unlock()

	for _, f := range done {
		s.finalize(ctx, f.replay, f.forced)
	}
	return len(done)
}
