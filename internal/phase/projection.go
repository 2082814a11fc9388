package phase

import "github.com/InstanceGaming/atsc/internal/model"

// VehicleOutput maps the phase state onto the (red, yellow, green) lines of
// the vehicle load switch. The pedestrian intervals keep the vehicle
// indication green; FYA pulses the yellow line with the shared flasher.
func VehicleOutput(state model.PhaseState, flasher bool) model.LoadSwitchOutput {
	switch state {
	case model.StateStop, model.StateMinStop, model.StateRclr:
		return model.LoadSwitchOutput{A: true}
	case model.StateCaution:
		return model.LoadSwitchOutput{B: true}
	case model.StateGo, model.StateExtend, model.StateWalk, model.StatePclr:
		return model.LoadSwitchOutput{C: true}
	case model.StateFYA:
		return model.LoadSwitchOutput{B: flasher}
	}
	return model.Dark
}

// PedOutput maps the phase state onto the (don't-walk, flashing-don't-walk,
// walk) lines of the pedestrian load switch.
func PedOutput(state model.PhaseState, flasher bool) model.LoadSwitchOutput {
	switch state {
	case model.StatePclr:
		return model.LoadSwitchOutput{B: flasher}
	case model.StateWalk:
		return model.LoadSwitchOutput{C: true}
	}
	return model.LoadSwitchOutput{A: true}
}

// FlashOutput is the vehicle indication during LS_FLASH and CET: the
// configured lamp pulsed with the shared flasher.
func FlashOutput(mode model.FlashMode, flasher bool) model.LoadSwitchOutput {
	switch mode {
	case model.FlashRed:
		return model.LoadSwitchOutput{A: flasher}
	case model.FlashYellow:
		return model.LoadSwitchOutput{B: flasher}
	}
	return model.Dark
}
