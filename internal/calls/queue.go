// Package calls maintains the deduplicated, aged, weighted set of pending
// service requests. The queue is owned and mutated only by the runtime tick
// loop.
package calls

import (
	"sort"

	"github.com/InstanceGaming/atsc/internal/model"
)

// ageEpsilon absorbs tick-size summation drift in age comparisons.
const ageEpsilon = 1e-9

// Defaults applied when the configuration omits the calls node. The knobs
// were mandatory in schema version 3 and optional in version 4.
const (
	DefaultMaxAge          = 120.0
	DefaultDuplicateFactor = 2.0
	DefaultActiveBarrier   = 10.0
	DefaultSystemWeight    = 1.0
)

// Weights are the tuning constants of the priority formula.
type Weights struct {
	MaxAge          float64
	DuplicateFactor float64
	ActiveBarrier   float64
	SystemWeight    float64
}

// WeightsFromConfig resolves configured weights against the defaults.
func WeightsFromConfig(cfg model.CallsConfig) Weights {
	w := Weights{
		MaxAge:          cfg.MaxAge,
		DuplicateFactor: cfg.DuplicateFactor,
		ActiveBarrier:   cfg.ActiveBarrier,
		SystemWeight:    cfg.SystemWeight,
	}
	if w.MaxAge <= 0 {
		w.MaxAge = DefaultMaxAge
	}
	if w.DuplicateFactor <= 0 {
		w.DuplicateFactor = DefaultDuplicateFactor
	}
	if w.ActiveBarrier <= 0 {
		w.ActiveBarrier = DefaultActiveBarrier
	}
	if w.SystemWeight <= 0 {
		w.SystemWeight = DefaultSystemWeight
	}
	return w
}

// Queue holds at most one unserved call per (phase, ped_service) pair.
type Queue struct {
	weights Weights
	calls   []*model.Call
}

func NewQueue(weights Weights) *Queue {
	return &Queue{weights: weights}
}

// Len returns the number of open (unserved) calls.
func (q *Queue) Len() int {
	n := 0
	for _, c := range q.calls {
		if !c.Served {
			n++
		}
	}
	return n
}

// Place inserts a call, or folds a duplicate request into the existing
// unserved call for the same (target, ped_service) pair: the weight grows
// by weight*duplicate-factor and the age resets to zero.
func (q *Queue) Place(target int, pedService bool, source model.CallSource, weight float64) *model.Call {
	if weight <= 0 {
		weight = 1
	}
	if c := q.find(target, pedService); c != nil {
		c.Weight += weight * q.weights.DuplicateFactor
		c.Age = 0
		return c
	}
	c := &model.Call{
		TargetPhase: target,
		PedService:  pedService,
		Weight:      weight,
		Source:      source,
	}
	q.calls = append(q.calls, c)
	return c
}

func (q *Queue) find(target int, pedService bool) *model.Call {
	for _, c := range q.calls {
		if !c.Served && c.TargetPhase == target && c.PedService == pedService {
			return c
		}
	}
	return nil
}

// Has reports whether an unserved call is pending for the phase.
func (q *Queue) Has(target int) bool {
	for _, c := range q.calls {
		if !c.Served && c.TargetPhase == target {
			return true
		}
	}
	return false
}

// HasPed reports whether the pending demand for the phase includes
// pedestrian service.
func (q *Queue) HasPed(target int) bool {
	return q.find(target, true) != nil
}

// Age advances every call by dt, dropping served calls and calls whose age
// reached max-age. It returns the number of calls that aged out.
func (q *Queue) Age(dt float64) int {
	expired := 0
	kept := q.calls[:0]
	for _, c := range q.calls {
		if c.Served {
			continue
		}
		c.Age += dt
		if c.Age+ageEpsilon >= q.weights.MaxAge {
			expired++
			continue
		}
		kept = append(kept, c)
	}
	q.calls = kept
	return expired
}

// Served marks the matching unserved call; it is removed on the next Age
// pass. It returns the call, or nil when no demand was pending.
func (q *Queue) Served(target int, pedService bool) *model.Call {
	c := q.find(target, pedService)
	if c != nil {
		c.Served = true
	}
	return c
}

// Ranked returns the open calls in decreasing priority order.
//
//	priority = weight + age*system-weight + active-barrier bonus
//
// Ties break toward the smaller phase id.
func (q *Queue) Ranked(activeBarrier model.Barrier) []*model.Call {
	open := make([]*model.Call, 0, len(q.calls))
	for _, c := range q.calls {
		if !c.Served {
			open = append(open, c)
		}
	}
	sort.SliceStable(open, func(i, j int) bool {
		pi := q.priority(open[i], activeBarrier)
		pj := q.priority(open[j], activeBarrier)
		if pi != pj {
			return pi > pj
		}
		return open[i].TargetPhase < open[j].TargetPhase
	})
	return open
}

func (q *Queue) priority(c *model.Call, activeBarrier model.Barrier) float64 {
	p := c.Weight + c.Age*q.weights.SystemWeight
	if activeBarrier != nil && activeBarrier.Contains(c.TargetPhase) {
		p += q.weights.ActiveBarrier
	}
	return p
}
