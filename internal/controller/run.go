package controller

import (
	"context"
	"time"

	"github.com/InstanceGaming/atsc/internal/calls"
	"github.com/InstanceGaming/atsc/internal/model"
	"github.com/InstanceGaming/atsc/internal/phase"
	"github.com/InstanceGaming/atsc/internal/rings"
)

// Run paces the tick loop against wall time. Control time advances by
// exactly one tick size per tick regardless of host jitter: when the host
// falls behind, ticks execute back-to-back until caught up; the loop never
// skips a tick and never runs ahead of wall time.
//
// Cancelling the context is a hard termination: outputs are driven
// directly to flash, bypassing the CXT clearance sequence. Call Shutdown
// for the graceful path.
func (c *Controller) Run(ctx context.Context) error {
	tick := time.Duration(c.clock.TickSize() * float64(time.Second))
	next := time.Now()

	for {
		now := time.Now()
		if now.Before(next) {
			timer := time.NewTimer(next.Sub(now))
			select {
			case <-ctx.Done():
				timer.Stop()
				c.hardStop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}

		for !now.Before(next) {
			select {
			case <-ctx.Done():
				c.hardStop()
				return ctx.Err()
			default:
			}

			c.Tick()
			next = next.Add(tick)

			if c.Done() {
				// The OFF tick already emitted the final snapshot and a
				// dark bus frame.
				c.log(LogLevelInfo, "control loop exited after %.1fs runtime", c.runtimeSec)
				return nil
			}
		}
	}
}

// hardStop forces the field to flash without waiting for clearance.
func (c *Controller) hardStop() {
	c.stopping = true
	c.setMode(model.ModeLSFlash)
	c.project()
	c.sendBus()
	if c.pub != nil {
		c.pub.Publish(c.Snapshot())
	}
	c.log(LogLevelWarn, "hard termination, outputs driven to flash")
}

// buildPhases constructs the phase machines for a configuration.
func buildPhases(cfg *model.Config) (map[int]*phase.Phase, []int, int, error) {
	phases := make(map[int]*phase.Phase, len(cfg.Phases))
	var order []int
	maxSwitch := 0
	for _, pc := range cfg.Phases {
		p, err := phase.New(pc, cfg.DefaultTiming)
		if err != nil {
			return nil, nil, 0, err
		}
		phases[pc.ID] = p
		order = append(order, pc.ID)
		if p.VehicleSwitch() > maxSwitch {
			maxSwitch = p.VehicleSwitch()
		}
		if p.PedSwitch() > maxSwitch {
			maxSwitch = p.PedSwitch()
		}
	}
	return phases, order, maxSwitch, nil
}

// rebuild swaps the live configuration. The phases, call queue, scheduler,
// inputs, and random-actuation timer are rebuilt from the new document; the
// control mode, counters, and random generator carry over.
func (c *Controller) rebuild(cfg *model.Config) error {
	built, order, maxSwitch, err := buildPhases(cfg)
	if err != nil {
		return err
	}

	inputs := make([]*inputState, 0, len(cfg.Inputs))
	for _, in := range cfg.Inputs {
		s, err := newInputState(in)
		if err != nil {
			return err
		}
		inputs = append(inputs, s)
	}

	c.cfg = cfg
	c.logLevel = parseLogLevel(cfg.Device.LogLevel)
	c.phases = built
	c.order = order
	c.maxSwitch = maxSwitch
	c.outputs = make([]model.LoadSwitchOutput, maxSwitch)
	c.queue = calls.NewQueue(calls.WeightsFromConfig(cfg.Calls))
	c.sched = rings.NewScheduler(cfg.Rings, cfg.Barriers, built)
	c.inputs = inputs
	c.crossingsSeen = 0

	if cfg.RandomActuation.Enabled {
		delay := cfg.RandomActuation.Delay
		if delay <= 0 {
			delay = cfg.RandomActuation.Min
		}
		c.randomTimer.Set(delay)
	}
	return nil
}
