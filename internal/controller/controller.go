// Package controller implements the runtime: the deterministic tick loop
// that ingests detector inputs, runs the ring-barrier scheduler, advances
// the phase state machines, projects load-switch outputs, and publishes
// telemetry.
package controller

import (
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/InstanceGaming/atsc/internal/calls"
	"github.com/InstanceGaming/atsc/internal/events"
	"github.com/InstanceGaming/atsc/internal/fieldbus"
	"github.com/InstanceGaming/atsc/internal/metrics"
	"github.com/InstanceGaming/atsc/internal/model"
	"github.com/InstanceGaming/atsc/internal/phase"
	"github.com/InstanceGaming/atsc/internal/rings"
	"github.com/InstanceGaming/atsc/internal/telemetry"
	"github.com/InstanceGaming/atsc/internal/timing"
)

// Bus transport health thresholds: consecutive frame failures before the
// fail-safe trips, and consecutive successes before it clears.
const (
	busTripAfter  = 3
	busResetAfter = 5
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Publisher is the telemetry side of the runtime: snapshots out, remote
// commands in. Both directions are non-blocking from the tick loop's view.
type Publisher interface {
	Publish(model.Snapshot)
	Commands() <-chan telemetry.Command
}

// Controller owns all mutable control state. Only the tick loop mutates
// it; adapters communicate through non-blocking queues.
type Controller struct {
	cfg      *model.Config
	logger   *log.Logger
	logLevel LogLevel

	runID   string
	clock   *timing.Clock
	flasher *timing.Flasher

	phases map[int]*phase.Phase
	order  []int
	queue  *calls.Queue
	sched  *rings.Scheduler

	bus   fieldbus.Driver
	pub   Publisher
	evbus *events.Bus

	mode       model.ControlMode
	steadyMode model.ControlMode
	cetTimer   timing.IntervalTimer

	transferred   bool
	transferCount int

	timeFreeze    bool
	techFlash     bool
	darkInput     bool
	randomInhibit bool
	idling        bool
	failsafe      bool
	stopping      bool
	preemptWarned bool

	inputs    []*inputState
	busHealth *timing.Hysteresis

	rng         *rand.Rand
	randomTimer timing.IntervalTimer

	maxSwitch int
	outputs   []model.LoadSwitchOutput

	detections map[int]int
	vehCalls   map[int]int
	pedCalls   map[int]int

	runtimeSec    float64
	controlTime   float64
	demandSum     float64
	demandTicks   int64
	peekDemand    float64
	crossingsSeen int

	// Crossings from other goroutines: the signal handler and the config
	// watcher request; the tick loop applies.
	shutdownReq   atomic.Bool
	pendingConfig atomic.Pointer[model.Config]
}

// New builds a runtime from a validated configuration. The bus driver and
// publisher may be nil; the corresponding tick steps become no-ops.
func New(cfg *model.Config, logger *log.Logger, bus fieldbus.Driver, pub Publisher) (*Controller, error) {
	mode, err := model.ParseControlMode(cfg.Init.Mode)
	if err != nil {
		return nil, fmt.Errorf("init mode: %w", err)
	}

	c := &Controller{
		cfg:        cfg,
		logger:     logger,
		logLevel:   parseLogLevel(cfg.Device.LogLevel),
		runID:      uuid.NewString(),
		clock:      timing.NewClock(timing.DefaultTickSize),
		flasher:    timing.NewFlasher(),
		queue:      calls.NewQueue(calls.WeightsFromConfig(cfg.Calls)),
		bus:        bus,
		pub:        pub,
		evbus:      events.NewBus(256),
		steadyMode: model.ModeNormal,
		busHealth:  timing.NewHysteresis(busTripAfter, busResetAfter),
		rng:        rand.New(rand.NewSource(cfg.RandomActuation.Seed)),
		detections: make(map[int]int),
		vehCalls:   make(map[int]int),
		pedCalls:   make(map[int]int),
	}

	built, order, maxSwitch, err := buildPhases(cfg)
	if err != nil {
		return nil, err
	}
	c.phases = built
	c.order = order
	c.maxSwitch = maxSwitch
	c.outputs = make([]model.LoadSwitchOutput, c.maxSwitch)

	c.sched = rings.NewScheduler(cfg.Rings, cfg.Barriers, c.phases)

	for _, in := range cfg.Inputs {
		s, err := newInputState(in)
		if err != nil {
			return nil, err
		}
		c.inputs = append(c.inputs, s)
	}

	if cfg.RandomActuation.Enabled {
		delay := cfg.RandomActuation.Delay
		if delay <= 0 {
			delay = cfg.RandomActuation.Min
		}
		c.randomTimer.Set(delay)
	}

	c.mode = mode
	if mode == model.ModeCET {
		c.cetTimer.Set(cfg.Init.CETDelay)
	}
	c.transferred = mode == model.ModeNormal
	if c.transferred {
		c.transferCount = 1
	}

	if cfg.Init.RecallAll {
		for _, id := range c.order {
			c.placeCall(id, false, model.SourceSystem, 1)
		}
	}

	return c, nil
}

// Events returns the controller event bus for recorder wiring.
func (c *Controller) Events() *events.Bus {
	return c.evbus
}

// RunID identifies this controller run in telemetry and the event log.
func (c *Controller) RunID() string {
	return c.runID
}

// Mode returns the current control mode.
func (c *Controller) Mode() model.ControlMode {
	return c.mode
}

// ControlTime returns seconds of transferred operation.
func (c *Controller) ControlTime() float64 {
	return c.controlTime
}

// Crossings returns the number of barrier crossings since start.
func (c *Controller) Crossings() int {
	return c.sched.Crossings()
}

// PhaseState returns the live state of a phase, for inspection.
func (c *Controller) PhaseState(id int) model.PhaseState {
	if p, ok := c.phases[id]; ok {
		return p.State()
	}
	return model.StateStop
}

// PhaseStatus returns the scheduler's label for a phase.
func (c *Controller) PhaseStatus(id int) model.PhaseStatus {
	return c.sched.Status(id)
}

// Outputs returns the load-switch vector projected on the last tick.
func (c *Controller) Outputs() []model.LoadSwitchOutput {
	return c.outputs
}

// PlaceCall enqueues demand from a system-level source (CLI, telemetry
// command, tests).
func (c *Controller) PlaceCall(target int, ped bool, source model.CallSource) {
	c.placeCall(target, ped, source, 1)
}

// ApplyConfig queues a validated replacement configuration. It takes
// effect when the controller is OFF or at a stable inter-cycle boundary;
// there is no ad-hoc field mutation. Safe to call from any goroutine.
func (c *Controller) ApplyConfig(next *model.Config) {
	c.pendingConfig.Store(next)
}

// Shutdown requests the graceful control-exit sequence: CXT drives every
// phase to STOP through normal clearance, then flash, then off. Safe to
// call from any goroutine; the tick loop begins the sequence on its next
// tick.
func (c *Controller) Shutdown() {
	c.shutdownReq.Store(true)
}

// beginShutdown runs inside the tick loop.
func (c *Controller) beginShutdown() {
	if c.stopping {
		return
	}
	c.stopping = true
	switch c.mode {
	case model.ModeNormal, model.ModeCET:
		c.setMode(model.ModeCXT)
	case model.ModeCXT:
	default:
		c.setMode(model.ModeOff)
	}
}

// Done reports whether the graceful shutdown sequence has completed.
func (c *Controller) Done() bool {
	return c.stopping && c.mode == model.ModeOff
}

func (c *Controller) log(level LogLevel, format string, args ...any) {
	if level < c.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	c.logger.Printf("%s %s", levelStr, fmt.Sprintf(format, args...))
}

func (c *Controller) setMode(next model.ControlMode) {
	if next == c.mode {
		return
	}
	prev := c.mode
	c.mode = next
	c.log(LogLevelInfo, "mode %s -> %s", prev, next)

	switch next {
	case model.ModeCET:
		c.cetTimer.Set(c.cfg.Init.CETDelay)
	case model.ModeLSFlash, model.ModeOff:
		for _, id := range c.order {
			c.phases[id].Reset()
		}
	}

	wasTransferred := c.transferred
	c.transferred = next == model.ModeNormal || next == model.ModeCXT
	if c.transferred && !wasTransferred {
		c.transferCount++
		metrics.Transfers.Inc()
		c.evbus.Publish(events.EventTransfer, c.controlTime, map[string]interface{}{
			"transferred": true,
		})
	} else if !c.transferred && wasTransferred {
		c.evbus.Publish(events.EventTransfer, c.controlTime, map[string]interface{}{
			"transferred": false,
		})
	}

	c.evbus.Publish(events.EventModeChange, c.controlTime, map[string]interface{}{
		"from": prev.String(),
		"to":   next.String(),
	})
}

// RequestMode handles an operator mode change from the telemetry channel.
func (c *Controller) RequestMode(target model.ControlMode) error {
	switch target {
	case model.ModeNormal:
		if c.cfg.Init.CETDelay > 0 && c.mode != model.ModeNormal {
			c.steadyMode = model.ModeNormal
			c.setMode(model.ModeCET)
			return nil
		}
		c.setMode(model.ModeNormal)
	case model.ModeCXT, model.ModeLSFlash, model.ModeOff, model.ModeCET:
		c.setMode(target)
	default:
		return fmt.Errorf("unsupported mode request %s", target)
	}
	return nil
}

func (c *Controller) placeCall(target int, ped bool, source model.CallSource, weight float64) {
	p, ok := c.phases[target]
	if !ok {
		c.log(LogLevelWarn, "call for unknown phase %d dropped", target)
		return
	}
	if c.callInhibited(target) {
		return
	}
	if ped && !p.PedCapable() {
		ped = false
	}

	// A detector hit on a phase already showing green is folded into the
	// running service instead of queueing another one: it arms or reloads
	// the extension in GO/EXTEND and is only counted in WALK/PCLR.
	if source == model.SourceDetector && !ped && p.State().Green() {
		p.NotifyDetection()
		c.detections[target]++
		return
	}

	existing := c.queue.Has(target)
	c.queue.Place(target, ped, source, weight)
	metrics.CallsPlaced.WithLabelValues(source.String()).Inc()
	if ped {
		c.pedCalls[target]++
	} else {
		c.vehCalls[target]++
	}
	if source == model.SourceDetector || source == model.SourceRandom {
		c.detections[target]++
	}
	if !existing {
		c.evbus.Publish(events.EventCallPlaced, c.controlTime, map[string]interface{}{
			"phase":  target,
			"ped":    ped,
			"source": source.String(),
		})
	}
}

func (c *Controller) callInhibited(target int) bool {
	for _, in := range c.inputs {
		if in.action == model.ActionCallInhibit && in.level && in.targets(target) {
			return true
		}
	}
	return false
}
