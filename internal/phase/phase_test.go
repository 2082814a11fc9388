package phase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InstanceGaming/atsc/internal/model"
)

const dt = 0.1

func testTiming() model.PhaseTiming {
	return model.PhaseTiming{
		Rclr:    1.0,
		Caution: 4.0,
		Extend:  5.0,
		Go:      12.5,
		Pclr:    4.0,
		Walk:    5.0,
		MaxGo:   23.0,
	}
}

func newTestPhase(t *testing.T, ped bool) *Phase {
	cfg := model.PhaseConfig{
		ID:        2,
		FlashMode: "red",
		LoadSwitches: model.LoadSwitchesConfig{
			Vehicle: 2,
		},
	}
	if ped {
		idx := 10
		cfg.LoadSwitches.Ped = &idx
	}
	p, err := New(cfg, testTiming())
	require.NoError(t, err)
	return p
}

// ticksUntil advances until the phase reaches the wanted state and returns
// the tick count, failing after limit ticks.
func ticksUntil(t *testing.T, p *Phase, want model.PhaseState, limit int) int {
	t.Helper()
	for i := 1; i <= limit; i++ {
		p.Tick(dt)
		if p.State() == want {
			return i
		}
	}
	t.Fatalf("never reached %s (stuck in %s)", want, p.State())
	return 0
}

func TestVehicleServiceSequence(t *testing.T) {
	p := newTestPhase(t, false)
	require.True(t, p.Ready())

	require.NoError(t, p.Activate(false))
	assert.Equal(t, model.StateGo, p.State())
	assert.Equal(t, 12.5, p.TimeUpper())

	// Minimum green runs 125 ticks, then clearance in strict order.
	assert.Equal(t, 125, ticksUntil(t, p, model.StateCaution, 200))
	assert.Equal(t, 40, ticksUntil(t, p, model.StateRclr, 100))
	assert.Equal(t, 10, ticksUntil(t, p, model.StateStop, 100))
	assert.True(t, p.Ready())
}

func TestActivateRejectsActivePhase(t *testing.T) {
	p := newTestPhase(t, false)
	require.NoError(t, p.Activate(false))
	err := p.Activate(false)
	require.ErrorIs(t, err, ErrNotReady)
}

func TestGapOut(t *testing.T) {
	p := newTestPhase(t, false)
	require.NoError(t, p.Activate(false))

	// A detection during GO arms the extension.
	p.NotifyDetection()
	ticksUntil(t, p, model.StateExtend, 130)

	// No further detections: the extension gaps out after 5s.
	assert.Equal(t, 50, ticksUntil(t, p, model.StateCaution, 100))
}

func TestExtendReloadAndMaxOut(t *testing.T) {
	p := newTestPhase(t, false)
	require.NoError(t, p.Activate(false))
	p.NotifyDetection()
	ticksUntil(t, p, model.StateExtend, 130)

	// Re-triggering every 3s holds the green until max-out at 23s of
	// cumulative GO+EXTEND service.
	ticks := 0
	for p.State() == model.StateExtend {
		p.Tick(dt)
		ticks++
		if ticks%30 == 0 {
			p.NotifyDetection()
		}
		require.Less(t, ticks, 200, "extension never terminated")
	}
	assert.Equal(t, model.StateCaution, p.State())
	assert.InDelta(t, 23.0, p.ServiceTime(), 0.101)
}

func TestMaxOutBoundsCumulativeGreen(t *testing.T) {
	p := newTestPhase(t, false)
	require.NoError(t, p.Activate(false))

	green := 0
	for i := 0; i < 400; i++ {
		p.NotifyDetection()
		p.Tick(dt)
		if p.State().Green() {
			green++
		}
		if p.State() == model.StateCaution {
			break
		}
	}
	assert.LessOrEqual(t, float64(green)*dt, 23.0+dt)
}

func TestPedServiceSequence(t *testing.T) {
	p := newTestPhase(t, true)
	require.True(t, p.PedCapable())

	require.NoError(t, p.Activate(true))
	assert.Equal(t, model.StateWalk, p.State())
	assert.True(t, p.PedService())

	assert.Equal(t, 50, ticksUntil(t, p, model.StatePclr, 100))
	// Remaining green budget: go - walk - pclr = 3.5s.
	assert.Equal(t, 40, ticksUntil(t, p, model.StateGo, 100))
	assert.Equal(t, 35, ticksUntil(t, p, model.StateCaution, 100))

	ticksUntil(t, p, model.StateStop, 100)
	assert.True(t, p.CompletedPed())
}

func TestPedServiceFallsBackWithoutPedSwitch(t *testing.T) {
	p := newTestPhase(t, false)
	require.NoError(t, p.Activate(true))
	// No ped load switch: the grant degrades to vehicle-only service.
	assert.Equal(t, model.StateGo, p.State())
	assert.False(t, p.PedService())
}

func TestPclrInhibitSkipsPedClearance(t *testing.T) {
	p := newTestPhase(t, true)
	p.SetPclrInhibit(true)
	require.NoError(t, p.Activate(true))

	ticksUntil(t, p, model.StateGo, 100)
	// Green budget only loses the walk: go - walk = 7.5s.
	assert.InDelta(t, 7.5, p.TimeUpper(), 1e-9)
}

func TestMinStopLockout(t *testing.T) {
	timing := testTiming()
	timing.MinStop = 2.0
	cfg := model.PhaseConfig{
		ID:        4,
		FlashMode: "red",
		Timing:    &timing,
		LoadSwitches: model.LoadSwitchesConfig{
			Vehicle: 4,
		},
	}
	p, err := New(cfg, model.PhaseTiming{})
	require.NoError(t, err)

	require.NoError(t, p.Activate(false))
	ticksUntil(t, p, model.StateMinStop, 300)
	assert.False(t, p.Ready(), "MIN_STOP is a service lockout")
	assert.True(t, p.Stopped(), "MIN_STOP still reads as stopped for barrier crossing")

	assert.Equal(t, 20, ticksUntil(t, p, model.StateStop, 100))
	assert.True(t, p.Ready())
}

func TestResetAbandonsService(t *testing.T) {
	p := newTestPhase(t, false)
	require.NoError(t, p.Activate(false))
	p.Reset()
	assert.Equal(t, model.StateStop, p.State())
	assert.True(t, p.Ready())
}

func TestProjectionTables(t *testing.T) {
	tests := []struct {
		state model.PhaseState
		want  model.LoadSwitchOutput
	}{
		{model.StateStop, model.LoadSwitchOutput{A: true}},
		{model.StateMinStop, model.LoadSwitchOutput{A: true}},
		{model.StateRclr, model.LoadSwitchOutput{A: true}},
		{model.StateCaution, model.LoadSwitchOutput{B: true}},
		{model.StateGo, model.LoadSwitchOutput{C: true}},
		{model.StateExtend, model.LoadSwitchOutput{C: true}},
		{model.StateWalk, model.LoadSwitchOutput{C: true}},
		{model.StatePclr, model.LoadSwitchOutput{C: true}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, VehicleOutput(tt.state, true), "vehicle %s", tt.state)
	}

	// FYA pulses the yellow line with the flasher.
	assert.Equal(t, model.LoadSwitchOutput{B: true}, VehicleOutput(model.StateFYA, true))
	assert.Equal(t, model.Dark, VehicleOutput(model.StateFYA, false))

	// Pedestrian head: DW steady, FDW pulsed, W steady.
	assert.Equal(t, model.LoadSwitchOutput{A: true}, PedOutput(model.StateGo, true))
	assert.Equal(t, model.LoadSwitchOutput{B: true}, PedOutput(model.StatePclr, true))
	assert.Equal(t, model.Dark, PedOutput(model.StatePclr, false))
	assert.Equal(t, model.LoadSwitchOutput{C: true}, PedOutput(model.StateWalk, false))

	// Flash operation pulses the configured lamp.
	assert.Equal(t, model.LoadSwitchOutput{A: true}, FlashOutput(model.FlashRed, true))
	assert.Equal(t, model.LoadSwitchOutput{B: true}, FlashOutput(model.FlashYellow, true))
	assert.Equal(t, model.Dark, FlashOutput(model.FlashYellow, false))
}
