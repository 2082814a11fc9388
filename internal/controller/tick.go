package controller

import (
	"time"

	"github.com/InstanceGaming/atsc/internal/events"
	"github.com/InstanceGaming/atsc/internal/fieldbus"
	"github.com/InstanceGaming/atsc/internal/metrics"
	"github.com/InstanceGaming/atsc/internal/model"
	"github.com/InstanceGaming/atsc/internal/phase"
)

// Tick advances the controller by exactly one control interval. All
// observations within a tick are simultaneous; an input edge observed at
// tick T affects scheduling at tick T+1.
func (c *Controller) Tick() {
	start := time.Now()
	dt := c.clock.TickSize()

	if c.shutdownReq.Swap(false) {
		c.beginShutdown()
	}

	var report *fieldbus.InputReport
	if c.bus != nil {
		if r, ok := c.bus.Poll(); ok {
			report = &r
		}
	}

	c.drainCommands()
	c.applyInputs(report, dt)
	c.randomActuation(dt)

	if !c.timeFreeze {
		expired := c.queue.Age(dt)
		if expired > 0 {
			metrics.CallsExpired.Add(float64(expired))
		}

		switch c.mode {
		case model.ModeNormal:
			c.idlePolicy()
			granted := c.runScheduler()
			c.advancePhases(dt, granted)

		case model.ModeCXT:
			// Graceful exit: finish every clearance, admit nothing new.
			c.advancePhases(dt, nil)
			if c.allStopped() {
				c.setMode(model.ModeLSFlash)
			}

		case model.ModeCET:
			c.cetTimer.Tick(dt)
			if c.cetTimer.Expired() {
				c.setMode(c.steadyMode)
			}

		case model.ModeLSFlash:
			if c.stopping {
				c.setMode(model.ModeOff)
			}
		}

		c.applyPendingConfig()
	}

	c.flasher.Tick(dt)
	c.project()
	c.sendBus()

	c.clock.Advance()
	c.runtimeSec += dt
	if c.transferred && !c.timeFreeze {
		c.controlTime += dt
	}

	demand := float64(c.queue.Len())
	c.demandSum += demand
	c.demandTicks++
	if demand > c.peekDemand {
		c.peekDemand = demand
	}

	if n := c.sched.Crossings(); n > c.crossingsSeen {
		metrics.BarrierCrossings.Add(float64(n - c.crossingsSeen))
		c.evbus.Publish(events.EventBarrierCross, c.controlTime, map[string]interface{}{
			"count": n,
		})
		c.crossingsSeen = n
	}

	if c.pub != nil {
		c.pub.Publish(c.Snapshot())
	}

	metrics.TicksTotal.Inc()
	metrics.Mode.Set(float64(c.mode))
	metrics.TickLatency.Observe(time.Since(start).Seconds())
}

// idlePolicy re-offers the configured idle phases as recalls whenever the
// intersection has no other demand, so service dwells on the major street.
func (c *Controller) idlePolicy() {
	if len(c.cfg.Idling.Phases) == 0 {
		return
	}
	if c.queue.Len() == 0 {
		for _, id := range c.cfg.Idling.Phases {
			c.placeCall(id, false, model.SourceSystem, 1)
		}
	}
	c.idling = c.onlyIdleDemand()
}

// onlyIdleDemand reports whether every open call came from the idle
// policy.
func (c *Controller) onlyIdleDemand() bool {
	open := c.queue.Ranked(nil)
	if len(open) == 0 {
		return false
	}
	for _, call := range open {
		if call.Source != model.SourceSystem || !c.idleTarget(call.TargetPhase) {
			return false
		}
	}
	return true
}

func (c *Controller) idleTarget(id int) bool {
	for _, t := range c.cfg.Idling.Phases {
		if t == id {
			return true
		}
	}
	return false
}

// runScheduler asks the ring-barrier scheduler for admissions. An
// invariant violation is a controller bug: assert loudly and fail safe to
// flash, never continue silently.
func (c *Controller) runScheduler() map[int]bool {
	grants, err := c.sched.Tick(c.queue)
	if err != nil {
		c.log(LogLevelError, "scheduler fault, failing safe: %v", err)
		c.steadyMode = model.ModeNormal
		c.setMode(model.ModeLSFlash)
		return nil
	}
	granted := make(map[int]bool, len(grants))
	for _, g := range grants {
		granted[g.PhaseID] = true
		c.log(LogLevelDebug, "phase %d admitted ped=%v", g.PhaseID, g.PedService)
		c.evbus.Publish(events.EventPhaseState, c.controlTime, map[string]interface{}{
			"phase": g.PhaseID,
			"from":  model.StateStop.String(),
			"to":    c.phases[g.PhaseID].State().String(),
		})
	}
	return granted
}

// advancePhases steps every phase machine and folds completed services
// back into the call queue. Phases admitted this tick start timing on the
// next one.
func (c *Controller) advancePhases(dt float64, granted map[int]bool) {
	for _, id := range c.order {
		if granted[id] {
			continue
		}
		p := c.phases[id]
		before := p.State()
		completed := p.Tick(dt)

		if after := p.State(); after != before {
			c.evbus.Publish(events.EventPhaseState, c.controlTime, map[string]interface{}{
				"phase": id,
				"from":  before.String(),
				"to":    after.String(),
			})
		}

		if completed {
			c.markServed(id, p.CompletedPed())
		}
	}
}

// markServed retires the demand satisfied by a completed service.
func (c *Controller) markServed(id int, ped bool) {
	served := 0
	if c.queue.Served(id, false) != nil {
		served++
	}
	if ped {
		if c.queue.Served(id, true) != nil {
			served++
		}
	}
	if served > 0 {
		metrics.CallsServed.Add(float64(served))
		c.evbus.Publish(events.EventCallServed, c.controlTime, map[string]interface{}{
			"phase": id,
			"ped":   ped,
		})
	}
}

func (c *Controller) allStopped() bool {
	for _, id := range c.order {
		if !c.phases[id].Stopped() {
			return false
		}
	}
	return true
}

// applyPendingConfig swaps in a queued configuration at a stable boundary.
func (c *Controller) applyPendingConfig() {
	if c.pendingConfig.Load() == nil {
		return
	}
	if c.mode != model.ModeOff && !c.allStopped() {
		return
	}
	next := c.pendingConfig.Swap(nil)
	if next == nil {
		return
	}
	if err := c.rebuild(next); err != nil {
		c.log(LogLevelError, "configuration apply failed: %v", err)
		return
	}
	c.log(LogLevelInfo, "configuration applied")
}

// project refreshes the load-switch vector from phase states and the
// current mode.
func (c *Controller) project() {
	for i := range c.outputs {
		c.outputs[i] = model.Dark
	}
	if c.mode == model.ModeOff || c.darkInput {
		return
	}

	flash := c.mode == model.ModeLSFlash || c.mode == model.ModeCET || c.techFlash || c.failsafe
	f := c.flasher.State()

	for _, id := range c.order {
		p := c.phases[id]
		v := p.VehicleSwitch() - 1
		if flash {
			c.outputs[v] = phase.FlashOutput(p.FlashMode(), f)
			if ped := p.PedSwitch(); ped > 0 {
				c.outputs[ped-1] = model.LoadSwitchOutput{A: true}
			}
			continue
		}
		c.outputs[v] = phase.VehicleOutput(p.State(), f)
		if ped := p.PedSwitch(); ped > 0 {
			c.outputs[ped-1] = phase.PedOutput(p.State(), f)
		}
	}
}

// sendBus emits the per-tick output frame and runs the transport health
// hysteresis: persistent failure forces flash, sustained recovery
// re-enters service.
func (c *Controller) sendBus() {
	if c.bus == nil {
		return
	}
	frame := fieldbus.OutputFrame{
		Address:  fieldbus.AddrTFIB,
		Transfer: c.transferred,
		Switches: append([]model.LoadSwitchOutput(nil), c.outputs...),
	}
	metrics.BusFrames.Inc()

	if err := c.bus.Send(frame); err != nil {
		metrics.BusFailures.Inc()
		c.log(LogLevelWarn, "bus frame failed: %v", err)
		if c.busHealth.Fail() && !c.failsafe {
			c.failsafe = true
			c.log(LogLevelError, "bus transport faulted, failing safe to flash")
			c.evbus.Publish(events.EventBusFault, c.controlTime, map[string]interface{}{
				"tripped": true,
			})
			if c.mode == model.ModeNormal || c.mode == model.ModeCET {
				c.steadyMode = model.ModeNormal
				c.setMode(model.ModeLSFlash)
			}
		}
		return
	}

	if tripped := c.busHealth.OK(); c.failsafe && !tripped {
		c.failsafe = false
		c.log(LogLevelInfo, "bus transport recovered")
		c.evbus.Publish(events.EventBusFault, c.controlTime, map[string]interface{}{
			"tripped": false,
		})
		if c.mode == model.ModeLSFlash && !c.stopping {
			if c.cfg.Init.CETDelay > 0 {
				c.setMode(model.ModeCET)
			} else {
				c.setMode(c.steadyMode)
			}
		}
	}
}

// Snapshot assembles the telemetry record for the current tick.
func (c *Controller) Snapshot() model.Snapshot {
	var flags uint32
	if c.transferred {
		flags |= model.FlagTransferred
	}
	if c.timeFreeze {
		flags |= model.FlagTimeFreeze
	}
	if c.techFlash {
		flags |= model.FlagTechFlash
	}
	if c.failsafe {
		flags |= model.FlagBusFault
	}
	if c.idling {
		flags |= model.FlagIdle
	}
	if c.darkInput {
		flags |= model.FlagDark
	}

	avg := 0.0
	if c.demandTicks > 0 {
		avg = c.demandSum / float64(c.demandTicks)
	}

	snap := model.Snapshot{
		RunID:         c.runID,
		Mode:          c.mode.String(),
		StateFlags:    flags,
		AvgDemand:     avg,
		PeekDemand:    c.peekDemand,
		Runtime:       c.runtimeSec,
		ControlTime:   c.controlTime,
		TransferCount: c.transferCount,
		LoadSwitches:  append([]model.LoadSwitchOutput(nil), c.outputs...),
	}
	for _, id := range c.order {
		p := c.phases[id]
		snap.Phases = append(snap.Phases, model.PhaseSnapshot{
			ID:           id,
			Status:       c.sched.Status(id).String(),
			PedService:   p.PedService(),
			State:        p.State().String(),
			TimeUpper:    p.TimeUpper(),
			TimeLower:    p.TimeLower(),
			Detections:   c.detections[id],
			VehicleCalls: c.vehCalls[id],
			PedCalls:     c.pedCalls[id],
		})
	}
	return snap
}
