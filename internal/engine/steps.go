package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StepSpec is one rung of the configured sell ladder.
type StepSpec struct {
	ThresholdPercent float64 `yaml:"threshold"` // percent above buy price
	Percent          float64 `yaml:"percent"`   // share of the original batch
}

type stepsFile struct {
	Steps []StepSpec `yaml:"steps"`
}

// LoadSellSteps parses the optional YAML ladder definition. An empty path
// returns nil, which selects the traditional single-exit behavior.
func LoadSellSteps(path string) ([]StepSpec, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sell steps: %w", err)
	}
	var f stepsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse sell steps: %w", err)
	}
	if err := ValidateSellSteps(f.Steps); err != nil {
		return nil, err
	}
	return f.Steps, nil
}

// ValidateSellSteps rejects ladders that cannot execute in ascending
// threshold order or would liquidate more than the whole batch.
func ValidateSellSteps(steps []StepSpec) error {
	var total, prevThreshold float64
	for i, s := range steps {
		if s.ThresholdPercent <= 0 {
			return fmt.Errorf("sell step %d: threshold must be positive, got %v", i+1, s.ThresholdPercent)
		}
		if s.ThresholdPercent <= prevThreshold {
			return fmt.Errorf("sell step %d: thresholds must be strictly ascending", i+1)
		}
		if s.Percent <= 0 {
			return fmt.Errorf("sell step %d: percent must be positive, got %v", i+1, s.Percent)
		}
		prevThreshold = s.ThresholdPercent
		total += s.Percent
	}
	if total > 100 {
		return fmt.Errorf("sell steps liquidate %.1f%%, must not exceed 100%%", total)
	}
	return nil
}

// buildSteps instantiates a batch's sell steps from the configured specs.
func buildSteps(specs []StepSpec) []*SellStep {
	if len(specs) == 0 {
		return nil
	}
	out := make([]*SellStep, len(specs))
	for i, s := range specs {
		out[i] = &SellStep{ThresholdPercent: s.ThresholdPercent, Percent: s.Percent}
	}
	return out
}
