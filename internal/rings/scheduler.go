// Package rings implements the ring-and-barrier concurrency model: which
// phase each ring serves next, when service may begin, and when the
// controller crosses between barriers.
package rings

import (
	"fmt"

	"github.com/InstanceGaming/atsc/internal/calls"
	"github.com/InstanceGaming/atsc/internal/model"
	"github.com/InstanceGaming/atsc/internal/phase"
)

// InvariantError reports an attempted concurrent conflicting service. It is
// a controller bug, never an operating condition: the runtime fails safe to
// LS_FLASH when one surfaces.
type InvariantError struct {
	Detail string
}

func (e *InvariantError) Error() string {
	return "scheduler invariant violated: " + e.Detail
}

// Grant is one service admission issued by the scheduler.
type Grant struct {
	PhaseID    int
	PedService bool
}

// Scheduler owns phase status assignment and barrier crossings. It is
// mutated only by the runtime tick loop.
type Scheduler struct {
	rings    []model.Ring
	barriers []model.Barrier
	phases   map[int]*phase.Phase

	activeBarrier int // barrier index, -1 before first demand
	lastServed    []int
	next          []int
	leaderOrder   []int // active phase ids, activation order
	crossings     int
}

func NewScheduler(rings []model.Ring, barriers []model.Barrier, phases map[int]*phase.Phase) *Scheduler {
	return &Scheduler{
		rings:         rings,
		barriers:      barriers,
		phases:        phases,
		activeBarrier: -1,
		lastServed:    make([]int, len(rings)),
		next:          make([]int, len(rings)),
	}
}

// ActiveBarrier returns the barrier currently holding the lock, or nil
// before any demand has been served.
func (s *Scheduler) ActiveBarrier() model.Barrier {
	if s.activeBarrier < 0 {
		return nil
	}
	return s.barriers[s.activeBarrier]
}

// Crossings returns the number of barrier crossings since start.
func (s *Scheduler) Crossings() int {
	return s.crossings
}

// Status returns the scheduler's label for the phase.
func (s *Scheduler) Status(id int) model.PhaseStatus {
	for i, active := range s.leaderOrder {
		if active == id {
			if i == 0 {
				return model.StatusLeader
			}
			return model.StatusSecondary
		}
	}
	for _, n := range s.next {
		if n == id {
			return model.StatusNext
		}
	}
	return model.StatusInactive
}

func (s *Scheduler) barrierOf(id int) int {
	for i, b := range s.barriers {
		if b.Contains(id) {
			return i
		}
	}
	return -1
}

func (s *Scheduler) ringOf(id int) int {
	for i, r := range s.rings {
		if r.Contains(id) {
			return i
		}
	}
	return -1
}

// verify checks the standing concurrency invariants against live phase
// states before any new admission.
func (s *Scheduler) verify() error {
	var activeBarriers []int
	for ri, ring := range s.rings {
		activeInRing := 0
		for _, id := range ring {
			p := s.phases[id]
			if p.State() != model.StateStop {
				activeInRing++
			}
			if p.Active() {
				activeBarriers = append(activeBarriers, s.barrierOf(id))
			}
		}
		if activeInRing > 1 {
			return &InvariantError{Detail: fmt.Sprintf("ring %d has %d non-STOP phases", ri+1, activeInRing)}
		}
	}
	for _, b := range activeBarriers {
		if b != activeBarriers[0] {
			return &InvariantError{Detail: "active phases span both barriers"}
		}
	}
	return nil
}

// Tick runs one scheduling pass: refresh status bookkeeping, move the
// barrier lock when permitted, select a NEXT phase per ring, and admit the
// selections that can begin now. Admitted phases are activated.
func (s *Scheduler) Tick(queue *calls.Queue) ([]Grant, error) {
	if err := s.verify(); err != nil {
		return nil, err
	}

	s.retireStopped()

	ranked := queue.Ranked(s.ActiveBarrier())
	s.moveBarrier(ranked)

	for ri := range s.rings {
		s.next[ri] = s.selectNext(ri, ranked)
	}

	var grants []Grant
	for ri := range s.rings {
		id := s.next[ri]
		if id == 0 || !s.ringFree(ri) {
			continue
		}
		if err := s.admissible(id); err != nil {
			return grants, err
		}
		ped := queue.HasPed(id) && s.phases[id].PedCapable()
		if err := s.phases[id].Activate(ped); err != nil {
			return grants, fmt.Errorf("admit phase %d: %w", id, err)
		}
		s.leaderOrder = append(s.leaderOrder, id)
		s.lastServed[ri] = id
		s.next[ri] = 0
		grants = append(grants, Grant{PhaseID: id, PedService: ped})
	}
	return grants, nil
}

// retireStopped drops completed phases from the leader ordering, promoting
// a still-running concurrent phase to LEADER.
func (s *Scheduler) retireStopped() {
	kept := s.leaderOrder[:0]
	for _, id := range s.leaderOrder {
		if s.phases[id].Active() {
			kept = append(kept, id)
		}
	}
	s.leaderOrder = kept
}

// moveBarrier flips the barrier lock when every phase shows a stop
// indication and the remaining demand lies in the opposite barrier.
// Crossing is atomic: nothing from the new barrier has begun yet.
func (s *Scheduler) moveBarrier(ranked []*model.Call) {
	if len(ranked) == 0 {
		return
	}
	for _, ring := range s.rings {
		for _, id := range ring {
			if !s.phases[id].Stopped() {
				return
			}
		}
	}
	target := s.barrierOf(ranked[0].TargetPhase)
	if target < 0 || target == s.activeBarrier {
		return
	}
	if s.activeBarrier >= 0 {
		// Demand in the current barrier keeps the lock: only cross when
		// the current barrier has nothing left to serve.
		for _, c := range ranked {
			if s.barrierOf(c.TargetPhase) == s.activeBarrier && s.phases[c.TargetPhase].Ready() {
				return
			}
		}
		s.crossings++
	}
	s.activeBarrier = target
}

// selectNext picks the highest-priority servable phase for the ring, or 0.
// Ranked order already encodes priority with smaller-id tiebreak; equal
// priorities fall to ring-forward order from the last phase served.
func (s *Scheduler) selectNext(ri int, ranked []*model.Call) int {
	if s.activeBarrier < 0 {
		return 0
	}
	ring := s.rings[ri]
	barrier := s.barriers[s.activeBarrier]

	var best *model.Call
	for _, c := range ranked {
		if !ring.Contains(c.TargetPhase) || !barrier.Contains(c.TargetPhase) {
			continue
		}
		if !s.phases[c.TargetPhase].Ready() {
			continue
		}
		if best == nil {
			best = c
			continue
		}
		if c.Age == best.Age && c.Weight == best.Weight &&
			s.ringDistance(ri, c.TargetPhase) < s.ringDistance(ri, best.TargetPhase) {
			best = c
		}
	}
	if best == nil {
		return 0
	}
	return best.TargetPhase
}

// ringDistance is the forward rotation distance from the ring's last-served
// phase to the candidate.
func (s *Scheduler) ringDistance(ri, id int) int {
	ring := s.rings[ri]
	last := s.lastServed[ri]
	li := -1
	ci := -1
	for i, p := range ring {
		if p == last {
			li = i
		}
		if p == id {
			ci = i
		}
	}
	if ci < 0 {
		return len(ring)
	}
	if li < 0 {
		return ci
	}
	return ((ci - li - 1) + len(ring)) % len(ring)
}

// ringFree reports whether the ring has no phase outside STOP, the per-ring
// exclusion precondition for admission.
func (s *Scheduler) ringFree(ri int) bool {
	for _, id := range s.rings[ri] {
		if s.phases[id].State() != model.StateStop {
			return false
		}
	}
	return true
}

// admissible rejects an admission that would conflict with a phase serving
// in the other ring.
func (s *Scheduler) admissible(id int) error {
	b := s.barrierOf(id)
	for _, other := range s.leaderOrder {
		if other == id {
			continue
		}
		if s.ringOf(other) == s.ringOf(id) {
			return &InvariantError{Detail: fmt.Sprintf("phase %d admitted while %d holds the same ring", id, other)}
		}
		if s.barrierOf(other) != b {
			return &InvariantError{Detail: fmt.Sprintf("phase %d conflicts with active phase %d across barriers", id, other)}
		}
	}
	if b != s.activeBarrier {
		return &InvariantError{Detail: fmt.Sprintf("phase %d outside the active barrier", id)}
	}
	return nil
}
