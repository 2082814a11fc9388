package rings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InstanceGaming/atsc/internal/calls"
	"github.com/InstanceGaming/atsc/internal/model"
	"github.com/InstanceGaming/atsc/internal/phase"
)

const dt = 0.1

func testPhases(t *testing.T) map[int]*phase.Phase {
	t.Helper()
	timing := model.PhaseTiming{
		Rclr:    1.0,
		Caution: 4.0,
		Go:      5.0,
		MaxGo:   23.0,
	}
	phases := make(map[int]*phase.Phase)
	for id := 1; id <= 8; id++ {
		p, err := phase.New(model.PhaseConfig{
			ID:        id,
			FlashMode: "red",
			LoadSwitches: model.LoadSwitchesConfig{
				Vehicle: id,
			},
		}, timing)
		require.NoError(t, err)
		phases[id] = p
	}
	return phases
}

func testScheduler(t *testing.T) (*Scheduler, map[int]*phase.Phase, *calls.Queue) {
	phases := testPhases(t)
	s := NewScheduler(
		[]model.Ring{{1, 2, 3, 4}, {5, 6, 7, 8}},
		[]model.Barrier{{1, 2, 5, 6}, {3, 4, 7, 8}},
		phases,
	)
	q := calls.NewQueue(calls.WeightsFromConfig(model.CallsConfig{}))
	return s, phases, q
}

// step runs a full scheduler+phase tick, the way the runtime does.
func step(t *testing.T, s *Scheduler, phases map[int]*phase.Phase, q *calls.Queue) []Grant {
	t.Helper()
	q.Age(dt)
	grants, err := s.Tick(q)
	require.NoError(t, err)
	admitted := make(map[int]bool)
	for _, g := range grants {
		admitted[g.PhaseID] = true
	}
	for id, p := range phases {
		if admitted[id] {
			continue
		}
		if p.Tick(dt) {
			q.Served(id, false)
		}
	}
	return grants
}

func TestSingleCallAdmitted(t *testing.T) {
	s, phases, q := testScheduler(t)
	q.Place(3, false, model.SourceDetector, 1)

	grants := step(t, s, phases, q)
	require.Len(t, grants, 1)
	assert.Equal(t, 3, grants[0].PhaseID)
	assert.Equal(t, model.StatusLeader, s.Status(3))
	assert.Equal(t, model.Barrier{3, 4, 7, 8}, s.ActiveBarrier())
	assert.Zero(t, s.Crossings(), "first lock is not a crossing")
}

func TestPerRingExclusion(t *testing.T) {
	s, phases, q := testScheduler(t)
	q.Place(1, false, model.SourceDetector, 1)
	step(t, s, phases, q)
	require.True(t, phases[1].Active())

	// Phase 2 shares ring 1: selected as NEXT, never admitted while 1 runs.
	q.Place(2, false, model.SourceDetector, 1)
	for i := 0; i < 30; i++ {
		grants := step(t, s, phases, q)
		assert.Empty(t, grants)
		assert.Equal(t, model.StatusNext, s.Status(2))
		assert.False(t, phases[2].Active())
	}
}

func TestConcurrentSameBarrierService(t *testing.T) {
	s, phases, q := testScheduler(t)
	q.Place(2, false, model.SourceDetector, 1)
	step(t, s, phases, q)
	require.Equal(t, model.StatusLeader, s.Status(2))

	// Phase 6 is the other ring, same barrier: admitted mid-service.
	q.Place(6, false, model.SourceDetector, 1)
	grants := step(t, s, phases, q)
	require.Len(t, grants, 1)
	assert.Equal(t, 6, grants[0].PhaseID)
	assert.Equal(t, model.StatusSecondary, s.Status(6))
	assert.Equal(t, model.StatusLeader, s.Status(2))
}

func TestBarrierLockBlocksOppositeBarrier(t *testing.T) {
	s, phases, q := testScheduler(t)
	q.Place(2, false, model.SourceDetector, 1)
	step(t, s, phases, q)

	// Phase 4 shares the ring AND sits in the opposite barrier: it must
	// wait for 2's full clearance and a barrier crossing.
	q.Place(4, false, model.SourceDetector, 1)
	for phases[2].State() != model.StateStop {
		grants := step(t, s, phases, q)
		for _, g := range grants {
			require.NotEqual(t, 4, g.PhaseID, "phase 4 admitted before barrier crossing")
		}
	}

	// With the old barrier all-stop and demand only opposite, the
	// scheduler crosses and serves 4.
	var admitted []int
	for i := 0; i < 20 && len(admitted) == 0; i++ {
		for _, g := range step(t, s, phases, q) {
			admitted = append(admitted, g.PhaseID)
		}
	}
	require.Equal(t, []int{4}, admitted)
	assert.Equal(t, 1, s.Crossings())
	assert.Equal(t, model.Barrier{3, 4, 7, 8}, s.ActiveBarrier())
}

func TestDemandInActiveBarrierHoldsLock(t *testing.T) {
	s, phases, q := testScheduler(t)
	q.Place(2, false, model.SourceDetector, 1)
	q.Place(6, false, model.SourceDetector, 1)
	q.Place(3, false, model.SourceDetector, 1)

	// Run until everything is served.
	for i := 0; i < 600; i++ {
		step(t, s, phases, q)
		if q.Len() == 0 && phases[2].Ready() && phases[6].Ready() && phases[3].Ready() {
			break
		}
	}
	// 2 and 6 run concurrently under barrier 1, then one crossing for 3.
	assert.Equal(t, 1, s.Crossings())
}

func TestLeaderPromotionAfterRetire(t *testing.T) {
	s, phases, q := testScheduler(t)
	q.Place(2, false, model.SourceDetector, 1)
	step(t, s, phases, q)
	q.Place(6, false, model.SourceDetector, 1)
	step(t, s, phases, q)

	// Retire 2 early; 6 becomes the sole server and inherits LEADER.
	phases[2].Reset()
	q.Served(2, false)
	step(t, s, phases, q)
	assert.Equal(t, model.StatusLeader, s.Status(6))
	assert.Equal(t, model.StatusInactive, s.Status(2))
}

func TestInvariantViolationSurfaces(t *testing.T) {
	s, phases, q := testScheduler(t)

	// Force two conflicting services behind the scheduler's back.
	require.NoError(t, phases[1].Activate(false))
	require.NoError(t, phases[3].Activate(false))

	_, err := s.Tick(q)
	var inv *InvariantError
	require.ErrorAs(t, err, &inv)
}

func TestRingForwardTieBreak(t *testing.T) {
	s, phases, q := testScheduler(t)

	// Serve 2 to set the ring rotation marker.
	q.Place(2, false, model.SourceDetector, 1)
	for i := 0; i < 200 && !phases[2].Ready(); i++ {
		step(t, s, phases, q)
	}
	require.True(t, phases[2].Ready())
	for q.Len() > 0 {
		q.Age(dt)
	}

	// Equal-priority calls on 1 and 3: ring-forward from 2 favors 3.
	q.Place(1, false, model.SourceDetector, 1)
	q.Place(3, false, model.SourceDetector, 1)

	var first int
	for i := 0; i < 20 && first == 0; i++ {
		for _, g := range step(t, s, phases, q) {
			first = g.PhaseID
		}
	}
	assert.Equal(t, 3, first)
}
