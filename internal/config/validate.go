package config

import (
	"fmt"

	"github.com/InstanceGaming/atsc/internal/model"
)

// Validate enforces the semantic constraints of a version 4 document:
// phase id and load-switch uniqueness, the ring/barrier partition, input
// wiring, and mode/timing sanity. Violations are fatal at startup.
func Validate(cfg *model.Config) error {
	if cfg.Version != model.SchemaVersion {
		return fmt.Errorf("unsupported schema version %d (want %d)", cfg.Version, model.SchemaVersion)
	}

	if len(cfg.Phases) < 2 || len(cfg.Phases) > 8 {
		return fmt.Errorf("phase count %d outside [2,8]", len(cfg.Phases))
	}

	phaseIDs := map[int]bool{}
	switches := map[int]int{}
	for _, pc := range cfg.Phases {
		if pc.ID < 1 || pc.ID > 16 {
			return fmt.Errorf("phase id %d outside [1,16]", pc.ID)
		}
		if phaseIDs[pc.ID] {
			return fmt.Errorf("phase id %d defined twice", pc.ID)
		}
		phaseIDs[pc.ID] = true

		if _, err := model.ParseFlashMode(pc.FlashMode); err != nil {
			return fmt.Errorf("phase %d: %w", pc.ID, err)
		}

		if pc.LoadSwitches.Vehicle <= 0 {
			return fmt.Errorf("phase %d: vehicle load switch required", pc.ID)
		}
		if owner, taken := switches[pc.LoadSwitches.Vehicle]; taken {
			return fmt.Errorf("phase %d: load switch %d already used by phase %d", pc.ID, pc.LoadSwitches.Vehicle, owner)
		}
		switches[pc.LoadSwitches.Vehicle] = pc.ID

		if pc.LoadSwitches.Ped != nil {
			ped := *pc.LoadSwitches.Ped
			if ped <= 0 {
				return fmt.Errorf("phase %d: ped load switch must be positive", pc.ID)
			}
			if owner, taken := switches[ped]; taken {
				return fmt.Errorf("phase %d: load switch %d already used by phase %d", pc.ID, ped, owner)
			}
			switches[ped] = pc.ID
		}

		if err := pc.EffectiveTiming(cfg.DefaultTiming).Validate(); err != nil {
			return fmt.Errorf("phase %d: %w", pc.ID, err)
		}
	}

	ringSets := make([][]int, len(cfg.Rings))
	for i, r := range cfg.Rings {
		ringSets[i] = r
	}
	if err := validatePartition("ring", ringSets, phaseIDs); err != nil {
		return err
	}
	barrierSets := make([][]int, len(cfg.Barriers))
	for i, b := range cfg.Barriers {
		barrierSets[i] = b
	}
	if err := validatePartition("barrier", barrierSets, phaseIDs); err != nil {
		return err
	}

	mode, err := model.ParseControlMode(cfg.Init.Mode)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	if mode == model.ModeCET && cfg.Init.CETDelay <= 0 {
		return fmt.Errorf("init: cet mode requires a positive cet-delay")
	}
	if cfg.Init.CETDelay < 0 {
		return fmt.Errorf("init: cet-delay is negative")
	}

	if cfg.RandomActuation.Enabled {
		ra := cfg.RandomActuation
		if ra.Min <= 0 || ra.Max <= 0 || ra.Min > ra.Max {
			return fmt.Errorf("random-actuation: interval [%.1f,%.1f] invalid", ra.Min, ra.Max)
		}
	}

	for _, id := range cfg.Idling.Phases {
		if !phaseIDs[id] {
			return fmt.Errorf("idling: phase %d not defined", id)
		}
	}

	inputIDs := map[int]bool{}
	for _, in := range cfg.Inputs {
		if inputIDs[in.ID] {
			return fmt.Errorf("input %d defined twice", in.ID)
		}
		inputIDs[in.ID] = true

		action, err := model.ParseInputAction(in.Action)
		if err != nil {
			return fmt.Errorf("input %d: %w", in.ID, err)
		}
		if action == model.ActionRecall {
			if _, err := model.ParseRecallType(in.RecallType); err != nil {
				return fmt.Errorf("input %d: %w", in.ID, err)
			}
		}
		if in.RecallDelay < 0 {
			return fmt.Errorf("input %d: recall-delay is negative", in.ID)
		}
		for _, t := range in.Targets {
			if !phaseIDs[t] {
				return fmt.Errorf("input %d: target phase %d not defined", in.ID, t)
			}
		}
	}

	return nil
}

// validatePartition checks that the groups cover every phase exactly once.
func validatePartition(kind string, groups [][]int, phaseIDs map[int]bool) error {
	if len(groups) != 2 {
		return fmt.Errorf("%ss: want exactly 2, have %d", kind, len(groups))
	}
	seen := map[int]int{}
	for gi, group := range groups {
		if len(group) == 0 || len(group) > 4 {
			return fmt.Errorf("%s %d: size %d outside [1,4]", kind, gi+1, len(group))
		}
		for _, id := range group {
			if !phaseIDs[id] {
				return fmt.Errorf("%s %d: phase %d not defined", kind, gi+1, id)
			}
			if prev, dup := seen[id]; dup {
				return fmt.Errorf("phase %d appears in %s %d and %s %d", id, kind, prev+1, kind, gi+1)
			}
			seen[id] = gi
		}
	}
	for id := range phaseIDs {
		if _, ok := seen[id]; !ok {
			return fmt.Errorf("phase %d missing from the %s partition", id, kind)
		}
	}
	return nil
}
