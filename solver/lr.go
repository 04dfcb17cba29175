// Package solver holds the learning-rate schedule and the optimizers that update
// the model's variables inside a gomlx graph.
package solver

import (
	"math"

	"github.com/pkg/errors"

	"github.com/Noofbiz/wayformer/config"
)

// GetEpochLR returns the learning rate at the fractional epoch curEpoch
// (epoch + batch/numBatches). During the first WARMUP_EPOCHS it ramps linearly from
// WARMUP_START_LR to the value the policy has at the end of warmup, so the schedule
// is continuous across the boundary.
func GetEpochLR(curEpoch float64, cfg config.SolverConfig) float64 {
	lr := policyLR(curEpoch, cfg)
	if curEpoch < cfg.WarmupEpochs {
		end := policyLR(cfg.WarmupEpochs, cfg)
		slope := (end - cfg.WarmupStartLR) / cfg.WarmupEpochs
		lr = cfg.WarmupStartLR + curEpoch*slope
	}
	return lr
}

func policyLR(curEpoch float64, cfg config.SolverConfig) float64 {
	switch cfg.LRPolicy {
	case config.PolicyCosine:
		progress := math.Min(curEpoch/float64(cfg.MaxEpoch), 1)
		return cfg.CosineEndLR + (cfg.BaseLR-cfg.CosineEndLR)*(math.Cos(math.Pi*progress)+1)*0.5
	case config.PolicySteps:
		return cfg.LRs[stepIndex(curEpoch, cfg.Steps)] * cfg.BaseLR
	default:
		return cfg.BaseLR
	}
}

// stepIndex is the index of the last step boundary not after curEpoch. steps starts
// at 0 by convention.
func stepIndex(curEpoch float64, steps []float64) int {
	idx := 0
	for i, s := range steps {
		if curEpoch >= s {
			idx = i
		}
	}
	return idx
}

// CheckSchedule reports configuration errors GetEpochLR would otherwise hide.
func CheckSchedule(cfg config.SolverConfig) error {
	switch cfg.LRPolicy {
	case config.PolicyCosine:
		if cfg.MaxEpoch <= 0 {
			return errors.New("cosine policy needs SOLVER.MAX_EPOCH > 0")
		}
	case config.PolicySteps:
		if len(cfg.Steps) == 0 || len(cfg.Steps) != len(cfg.LRs) {
			return errors.Errorf("SOLVER.STEPS (%d) and SOLVER.LRS (%d) must be non-empty and of equal length", len(cfg.Steps), len(cfg.LRs))
		}
		for i := 1; i < len(cfg.Steps); i++ {
			if cfg.Steps[i] <= cfg.Steps[i-1] {
				return errors.Errorf("SOLVER.STEPS must be increasing, got %v", cfg.Steps)
			}
		}
	case config.PolicyConstant:
	default:
		return errors.Errorf("unknown SOLVER.LR_POLICY %q", cfg.LRPolicy)
	}
	if cfg.WarmupEpochs < 0 {
		return errors.Errorf("SOLVER.WARMUP_EPOCHS must be >= 0, got %g", cfg.WarmupEpochs)
	}
	return nil
}
