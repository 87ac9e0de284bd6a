package migration

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/ratchetmesh/ratchetmesh/pkg/algorithm"
	"github.com/ratchetmesh/ratchetmesh/pkg/multidevice"
)

// AssessMigrationReadiness surveys the device and conversation population
// without mutating anything, grading the risk of a quantum migration and
// recommending a strategy.
func (o *Orchestrator) AssessMigrationReadiness(ctx context.Context) (*Readiness, error) {
	devices, err := o.dir.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	r := &Readiness{
		TotalDevices:           len(devices),
		ConversationAlgorithms: map[string]string{},
		ByAlgorithm:            map[string]int{},
	}
	for _, dev := range devices {
		if deviceIsQuantumCapable(dev.Capabilities) {
			r.QuantumCapable++
		}
	}

	entries, err := o.kv.List(ctx, conversationPrefix)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		var state multidevice.ConversationState
		if err := json.Unmarshal(entry.Value, &state); err != nil {
			return nil, err
		}
		token := state.Algorithm.String()
		r.ConversationAlgorithms[state.ConversationID] = token
		r.ByAlgorithm[token]++
	}

	r.RiskLevel, r.RecommendedStrategy = grade(r.TotalDevices, r.QuantumCapable)
	return r, nil
}

// grade maps the quantum-capable fraction of the device population to a
// risk level and strategy. A fully capable population migrates immediately;
// a mostly capable one in paced batches; a mixed one via the hybrid
// algorithm; a mostly incapable one defers.
func grade(total, capable int) (RiskLevel, Strategy) {
	if total == 0 {
		return RiskHigh, StrategyDelayed
	}
	switch fraction := float64(capable) / float64(total); {
	case fraction == 1:
		return RiskLow, StrategyImmediate
	case fraction >= 0.75:
		return RiskLow, StrategyGradual
	case fraction >= 0.4:
		return RiskMedium, StrategyHybrid
	default:
		return RiskHigh, StrategyDelayed
	}
}

// CheckCompatibility reports the fraction of devices able to support the
// target algorithm and lists the incompatible ones. Read-only; callers use
// it to choose a strategy before committing.
func (o *Orchestrator) CheckCompatibility(ctx context.Context, target algorithm.ID) (*Compatibility, error) {
	devices, err := o.dir.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	c := &Compatibility{
		TargetAlgorithm: target,
		TotalDevices:    len(devices),
	}
	for _, dev := range devices {
		if deviceSupports(dev.Capabilities, target) {
			c.Supporting++
		} else {
			c.Incompatible = append(c.Incompatible, dev.ID)
		}
	}
	if c.TotalDevices > 0 {
		c.Fraction = float64(c.Supporting) / float64(c.TotalDevices)
	}
	sort.Strings(c.Incompatible)
	return c, nil
}

func deviceSupports(capabilities []string, target algorithm.ID) bool {
	for _, token := range capabilities {
		if id, ok := algorithm.Parse(token); ok && id == target {
			return true
		}
	}
	return false
}

func deviceIsQuantumCapable(capabilities []string) bool {
	for _, token := range capabilities {
		if id, ok := algorithm.Parse(token); ok && id.IsQuantumResistant() {
			return true
		}
	}
	return false
}
