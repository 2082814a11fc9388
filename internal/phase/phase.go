// Package phase implements the per-phase interval state machine. A phase
// owns its timers and legal transitions; which phase may leave STOP is the
// scheduler's decision, made in package rings.
package phase

import (
	"fmt"

	"github.com/InstanceGaming/atsc/internal/model"
	"github.com/InstanceGaming/atsc/internal/timing"
)

// ErrNotReady is returned when service is granted to a phase that is not
// resting in STOP.
var ErrNotReady = fmt.Errorf("phase not ready for service")

// Phase is one directional movement: a vehicle signal, an optional
// pedestrian signal, and the timers that sequence them.
type Phase struct {
	id        int
	flashMode model.FlashMode
	vehicleLS int
	pedLS     int
	timing    model.PhaseTiming

	state        model.PhaseState
	interval     timing.IntervalTimer
	serviceTimer float64
	pedService   bool

	// extendRequested latches a detector assertion during GO so the phase
	// moves into EXTEND instead of terminating when the minimum green runs
	// out.
	extendRequested bool
	extendInhibit   bool
	pclrInhibit     bool

	// completedPed remembers whether the service that just finished
	// included the pedestrian movement, for served-call bookkeeping.
	completedPed bool
}

func New(cfg model.PhaseConfig, defaults model.PhaseTiming) (*Phase, error) {
	fm, err := model.ParseFlashMode(cfg.FlashMode)
	if err != nil {
		return nil, fmt.Errorf("phase %d: %w", cfg.ID, err)
	}
	t := cfg.EffectiveTiming(defaults)
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("phase %d: %w", cfg.ID, err)
	}
	p := &Phase{
		id:        cfg.ID,
		flashMode: fm,
		vehicleLS: cfg.LoadSwitches.Vehicle,
		timing:    t,
	}
	if cfg.LoadSwitches.Ped != nil {
		p.pedLS = *cfg.LoadSwitches.Ped
	}
	return p, nil
}

func (p *Phase) ID() int                    { return p.id }
func (p *Phase) FlashMode() model.FlashMode { return p.flashMode }
func (p *Phase) State() model.PhaseState    { return p.state }
func (p *Phase) Timing() model.PhaseTiming  { return p.timing }
func (p *Phase) VehicleSwitch() int         { return p.vehicleLS }

// PedSwitch returns the pedestrian load switch index, or 0 when the phase
// has no pedestrian signal.
func (p *Phase) PedSwitch() int { return p.pedLS }

// PedCapable reports whether the phase can serve a pedestrian movement.
func (p *Phase) PedCapable() bool { return p.pedLS != 0 }

// PedService reports whether the current service includes the pedestrian
// movement.
func (p *Phase) PedService() bool { return p.pedService }

// Ready reports whether the phase is resting in STOP and may be granted
// service. MIN_STOP is a lockout: the phase is stopped but not yet ready.
func (p *Phase) Ready() bool { return p.state == model.StateStop }

// Active reports whether the phase is timing any interval beyond MIN_STOP.
func (p *Phase) Active() bool { return p.state.Active() }

// Stopped reports whether the phase presents a steady stop indication,
// which permits a barrier crossing past it.
func (p *Phase) Stopped() bool {
	return p.state == model.StateStop || p.state == model.StateMinStop
}

// TimeUpper returns the target duration of the running interval in seconds.
func (p *Phase) TimeUpper() float64 { return p.interval.Target() }

// TimeLower returns the seconds remaining on the running interval.
func (p *Phase) TimeLower() float64 { return p.interval.Remaining() }

// ServiceTime returns the accumulated GO+EXTEND seconds of the current
// service, capped at max-go.
func (p *Phase) ServiceTime() float64 { return p.serviceTimer }

// SetExtendInhibit disables vehicle extension for subsequent services.
func (p *Phase) SetExtendInhibit(v bool) { p.extendInhibit = v }

// SetPclrInhibit skips the pedestrian clearance interval for subsequent
// services.
func (p *Phase) SetPclrInhibit(v bool) { p.pclrInhibit = v }

func (p *Phase) extendEnabled() bool {
	return p.timing.Extend > 0 && !p.extendInhibit
}

func (p *Phase) pclrEnabled() bool {
	return p.timing.Pclr > 0 && !p.pclrInhibit
}

// finalGoTime is the vehicle green budget left after pedestrian service.
func (p *Phase) finalGoTime() float64 {
	g := p.timing.Go
	if p.pedService {
		g -= p.timing.Walk
		if p.pclrEnabled() {
			g -= p.timing.Pclr
		}
		if g < 0 {
			g = 0
		}
	}
	return g
}

// Activate grants service. With pedService the phase starts in WALK,
// otherwise in GO. Only a phase resting in STOP may be activated.
func (p *Phase) Activate(pedService bool) error {
	if !p.Ready() {
		return fmt.Errorf("phase %d in %s: %w", p.id, p.state, ErrNotReady)
	}
	if pedService && (!p.PedCapable() || p.timing.Walk <= 0) {
		pedService = false
	}
	p.pedService = pedService
	p.serviceTimer = 0
	p.extendRequested = false
	if pedService {
		p.enter(model.StateWalk)
	} else {
		p.enter(model.StateGo)
	}
	return nil
}

// NotifyDetection records a detector assertion for this phase. During GO it
// arms the extension; during EXTEND it reloads the extension timer. The
// phase still yields no later than max-go.
func (p *Phase) NotifyDetection() {
	switch p.state {
	case model.StateGo:
		p.extendRequested = true
	case model.StateExtend:
		p.interval.Set(p.timing.Extend)
	}
}

func (p *Phase) enter(next model.PhaseState) {
	switch next {
	case model.StateGo:
		p.interval.Set(p.finalGoTime())
	case model.StateExtend:
		p.interval.Set(p.timing.Extend)
	case model.StateStop:
		p.interval.Set(0)
		p.pedService = false
		p.extendRequested = false
		p.serviceTimer = 0
	default:
		p.interval.Set(p.timing.Interval(next))
	}
	p.state = next
}

// CompletedPed reports whether the most recently completed service
// included the pedestrian movement.
func (p *Phase) CompletedPed() bool { return p.completedPed }

// Reset abandons any in-progress service and returns the phase to STOP.
// Used when the controller leaves normal operation for flash or dark.
func (p *Phase) Reset() {
	p.enter(model.StateStop)
}

// Tick advances the phase by one tick. It reports whether the phase
// completed service on this tick (returned to STOP or MIN_STOP), which the
// runtime uses to mark calls served.
func (p *Phase) Tick(dt float64) bool {
	switch p.state {
	case model.StateStop:
		return false

	case model.StateMinStop:
		p.interval.Tick(dt)
		if p.interval.Expired() {
			p.enter(model.StateStop)
		}
		return false

	case model.StateWalk:
		p.interval.Tick(dt)
		if p.interval.Expired() {
			if p.pclrEnabled() {
				p.enter(model.StatePclr)
			} else {
				p.advancePastPedService()
			}
		}
		return false

	case model.StatePclr:
		p.interval.Tick(dt)
		if p.interval.Expired() {
			p.advancePastPedService()
		}
		return false

	case model.StateGo:
		p.serviceTimer += dt
		if p.serviceTimer+timing.Epsilon >= p.timing.MaxGo {
			p.serviceTimer = p.timing.MaxGo
			p.enter(model.StateCaution)
			return false
		}
		p.interval.Tick(dt)
		if p.interval.Expired() {
			if p.extendRequested && p.extendEnabled() {
				p.enter(model.StateExtend)
			} else {
				p.enter(model.StateCaution)
			}
		}
		return false

	case model.StateExtend:
		p.serviceTimer += dt
		if p.serviceTimer+timing.Epsilon >= p.timing.MaxGo {
			p.serviceTimer = p.timing.MaxGo
			p.enter(model.StateCaution)
			return false
		}
		p.interval.Tick(dt)
		if p.interval.Expired() {
			// Gap-out: the extension ran dry with no reload.
			p.enter(model.StateCaution)
		}
		return false

	case model.StateCaution:
		p.interval.Tick(dt)
		if p.interval.Expired() {
			p.enter(model.StateRclr)
		}
		return false

	case model.StateRclr:
		p.interval.Tick(dt)
		if p.interval.Expired() {
			p.completedPed = p.pedService
			if p.timing.MinStop > 0 {
				p.pedService = false
				p.extendRequested = false
				p.serviceTimer = 0
				p.enter(model.StateMinStop)
			} else {
				p.enter(model.StateStop)
			}
			return true
		}
		return false
	}
	return false
}

// advancePastPedService moves from WALK/PCLR into the remaining vehicle
// green, or straight into clearance when the pedestrian service consumed
// the whole green budget.
func (p *Phase) advancePastPedService() {
	if p.finalGoTime() > 0 {
		p.enter(model.StateGo)
	} else {
		p.enter(model.StateCaution)
	}
}
