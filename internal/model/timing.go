package model

import "fmt"

// PhaseTiming holds the configured interval durations for one phase, in
// seconds. A zero value for an interval disables it (MinStop, Extend, Walk,
// Pclr) or is rejected by validation where a minimum is required.
type PhaseTiming struct {
	MinStop float64 `yaml:"min-stop"`
	Rclr    float64 `yaml:"rclr"`
	Caution float64 `yaml:"caution"`
	Extend  float64 `yaml:"extend"`
	Go      float64 `yaml:"go"`
	Pclr    float64 `yaml:"pclr"`
	Walk    float64 `yaml:"walk"`
	MaxGo   float64 `yaml:"max-go"`
}

// Merge returns t with any zero field replaced by the default value.
// Per-phase timing documents override default-timing key by key.
func (t PhaseTiming) Merge(defaults PhaseTiming) PhaseTiming {
	if t.MinStop == 0 {
		t.MinStop = defaults.MinStop
	}
	if t.Rclr == 0 {
		t.Rclr = defaults.Rclr
	}
	if t.Caution == 0 {
		t.Caution = defaults.Caution
	}
	if t.Extend == 0 {
		t.Extend = defaults.Extend
	}
	if t.Go == 0 {
		t.Go = defaults.Go
	}
	if t.Pclr == 0 {
		t.Pclr = defaults.Pclr
	}
	if t.Walk == 0 {
		t.Walk = defaults.Walk
	}
	if t.MaxGo == 0 {
		t.MaxGo = defaults.MaxGo
	}
	return t
}

// Interval returns the configured duration for a timed state.
func (t PhaseTiming) Interval(s PhaseState) float64 {
	switch s {
	case StateMinStop:
		return t.MinStop
	case StateRclr:
		return t.Rclr
	case StateCaution:
		return t.Caution
	case StateExtend:
		return t.Extend
	case StateGo:
		return t.Go
	case StatePclr:
		return t.Pclr
	case StateWalk:
		return t.Walk
	}
	return 0
}

// Validate rejects timing records that could strand a phase in service.
func (t PhaseTiming) Validate() error {
	for s, v := range map[string]float64{
		"min-stop": t.MinStop,
		"rclr":     t.Rclr,
		"caution":  t.Caution,
		"extend":   t.Extend,
		"go":       t.Go,
		"pclr":     t.Pclr,
		"walk":     t.Walk,
		"max-go":   t.MaxGo,
	} {
		if v < 0 {
			return fmt.Errorf("timing %s is negative", s)
		}
	}
	if t.Caution <= 0 {
		return fmt.Errorf("timing caution must be positive")
	}
	if t.Go <= 0 {
		return fmt.Errorf("timing go must be positive")
	}
	if t.MaxGo < t.Go {
		return fmt.Errorf("timing max-go %.1f is below go %.1f", t.MaxGo, t.Go)
	}
	return nil
}
