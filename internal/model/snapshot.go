package model

// State flag bits published in Snapshot.StateFlags.
const (
	FlagTransferred uint32 = 1 << iota
	FlagTimeFreeze
	FlagTechFlash
	FlagBusFault
	FlagIdle
	FlagDark
)

// Snapshot is the per-tick status record handed to the telemetry publisher.
type Snapshot struct {
	RunID         string             `json:"run_id"`
	Mode          string             `json:"mode"`
	StateFlags    uint32             `json:"state_flags"`
	PlanID        int                `json:"plan_id"`
	AvgDemand     float64            `json:"avg_demand"`
	PeekDemand    float64            `json:"peek_demand"`
	Runtime       float64            `json:"runtime"`
	ControlTime   float64            `json:"control_time"`
	TransferCount int                `json:"transfer_count"`
	Phases        []PhaseSnapshot    `json:"phases"`
	LoadSwitches  []LoadSwitchOutput `json:"load_switches"`
}

// PhaseSnapshot is the per-phase slice of a Snapshot. TimeUpper is the
// target duration of the active interval and TimeLower the current value,
// both in seconds, for display.
type PhaseSnapshot struct {
	ID           int     `json:"id"`
	Status       string  `json:"status"`
	PedService   bool    `json:"ped_service"`
	State        string  `json:"state"`
	TimeUpper    float64 `json:"time_upper"`
	TimeLower    float64 `json:"time_lower"`
	Detections   int     `json:"detections"`
	VehicleCalls int     `json:"vehicle_calls"`
	PedCalls     int     `json:"ped_calls"`
}
