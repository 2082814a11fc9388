package controller

import (
	"fmt"

	"github.com/InstanceGaming/atsc/internal/fieldbus"
	"github.com/InstanceGaming/atsc/internal/model"
	"github.com/InstanceGaming/atsc/internal/telemetry"
	"github.com/InstanceGaming/atsc/internal/timing"
)

// inputState tracks one configured discrete input across ticks: its last
// observed level, the edges from the current report, and the recall delay
// timer.
type inputState struct {
	cfg        model.InputConfig
	action     model.InputAction
	recallType model.RecallType

	level   bool
	rising  bool
	falling bool

	delay timing.IntervalTimer
}

func newInputState(cfg model.InputConfig) (*inputState, error) {
	action, err := model.ParseInputAction(cfg.Action)
	if err != nil {
		return nil, fmt.Errorf("input %d: %w", cfg.ID, err)
	}
	s := &inputState{cfg: cfg, action: action}
	if action == model.ActionRecall {
		rt, err := model.ParseRecallType(cfg.RecallType)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", cfg.ID, err)
		}
		s.recallType = rt
		s.delay.Set(cfg.RecallDelay)
	}
	return s, nil
}

func (s *inputState) targets(phaseID int) bool {
	for _, t := range s.cfg.Targets {
		if t == phaseID {
			return true
		}
	}
	return false
}

// observe refreshes the input from the latest bus report. Input ids index
// the report's level bitmap from 1.
func (s *inputState) observe(report fieldbus.InputReport) {
	idx := s.cfg.ID - 1
	if idx < 0 || idx >= len(report.Levels) {
		return
	}
	s.level = report.Levels[idx]
	s.rising = report.Rising[idx]
	s.falling = report.Falling[idx]
}

// applyInputs runs step (b) of the tick: fold the freshly observed edges
// into calls, recalls, and operating flags. An edge observed at tick T
// takes effect at tick T+1 because the report was gathered by the previous
// tick's bus exchange.
func (c *Controller) applyInputs(report *fieldbus.InputReport, dt float64) {
	c.timeFreeze = false
	c.techFlash = false
	c.darkInput = false
	c.randomInhibit = false

	for _, in := range c.inputs {
		if report != nil {
			in.observe(*report)
		} else {
			in.rising = false
			in.falling = false
		}

		switch in.action {
		case model.ActionIgnore:

		case model.ActionRecall:
			c.applyRecall(in, dt)

		case model.ActionPreemption:
			if in.rising && !c.preemptWarned {
				c.log(LogLevelWarn, "input %d: preemption not supported", in.cfg.ID)
				c.preemptWarned = true
			}

		case model.ActionTimeFreeze:
			if in.level {
				c.timeFreeze = true
			}

		case model.ActionTechFlash:
			if in.level {
				c.techFlash = true
			}

		case model.ActionCallInhibit:
			// Checked at placement time in placeCall.

		case model.ActionExtendInhibit:
			for _, t := range in.cfg.Targets {
				if p, ok := c.phases[t]; ok {
					p.SetExtendInhibit(in.level)
				}
			}

		case model.ActionPedClearInhibit:
			for _, t := range in.cfg.Targets {
				if p, ok := c.phases[t]; ok {
					p.SetPclrInhibit(in.level)
				}
			}

		case model.ActionDark:
			if in.level {
				c.darkInput = true
			}

		case model.ActionRandomRecallInhibit:
			if in.level {
				c.randomInhibit = true
			}
		}
	}
}

// applyRecall implements both recall flavors. A maintained recall
// re-places its calls every tick the input holds, after the optional
// recall delay; a latched recall places once per rising edge and clears
// only after service.
func (c *Controller) applyRecall(in *inputState, dt float64) {
	switch in.recallType {
	case model.RecallMaintain:
		if !in.level {
			in.delay.Set(in.cfg.RecallDelay)
			return
		}
		if in.cfg.RecallDelay > 0 && !in.delay.Expired() {
			in.delay.Tick(dt)
			if !in.delay.Expired() {
				return
			}
		}
		for _, t := range in.cfg.Targets {
			c.placeCall(t, in.cfg.PedService, model.SourceRecallMaintained, 1)
		}

	case model.RecallLatch:
		// One call per rising edge. The queue's dedup rule is the latch:
		// repeated edges fold into the pending call's weight, and the
		// call clears only on service.
		if in.rising {
			for _, t := range in.cfg.Targets {
				c.placeCall(t, in.cfg.PedService, model.SourceDetector, 1)
			}
		}
	}
}

// randomActuation schedules synthetic detector calls on uniformly random
// phases at uniform intervals, from a deterministic seed.
func (c *Controller) randomActuation(dt float64) {
	ra := c.cfg.RandomActuation
	if !ra.Enabled || c.randomInhibit || c.mode != model.ModeNormal {
		return
	}
	c.randomTimer.Tick(dt)
	if !c.randomTimer.Expired() {
		return
	}
	target := c.order[c.rng.Intn(len(c.order))]
	c.placeCall(target, false, model.SourceRandom, 1)
	c.randomTimer.Set(ra.Min + c.rng.Float64()*(ra.Max-ra.Min))
}

// drainCommands handles telemetry client requests inside the tick.
func (c *Controller) drainCommands() {
	if c.pub == nil {
		return
	}
	for {
		select {
		case cmd := <-c.pub.Commands():
			c.handleCommand(cmd)
		default:
			return
		}
	}
}

func (c *Controller) handleCommand(cmd telemetry.Command) {
	switch cmd.Command {
	case "mode":
		mode, err := model.ParseControlMode(cmd.Mode)
		if err != nil {
			c.log(LogLevelWarn, "telemetry mode request: %v", err)
			return
		}
		if err := c.RequestMode(mode); err != nil {
			c.log(LogLevelWarn, "telemetry mode request: %v", err)
		}
	case "call":
		c.placeCall(cmd.Phase, cmd.Ped, model.SourceSystem, 1)
	default:
		c.log(LogLevelWarn, "telemetry command %q ignored", cmd.Command)
	}
}
