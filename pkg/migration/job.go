// Package migration drives the bulk transition of existing conversations
// between encryption algorithms: readiness assessment, strategy selection,
// batch processing with cooperative cancellation, and a circuit breaker
// around the quantum provider.
package migration

import (
	"time"

	"github.com/ratchetmesh/ratchetmesh/pkg/algorithm"
)

// Strategy selects how a migration spreads its work over time.
type Strategy string

const (
	// StrategyImmediate migrates every eligible conversation in one pass.
	StrategyImmediate Strategy = "immediate"

	// StrategyGradual migrates in fixed-size batches with inter-batch
	// pacing to bound load on the provider and the store.
	StrategyGradual Strategy = "gradual"

	// StrategyHybrid targets the hybrid classical+quantum algorithm, for
	// mixed device populations.
	StrategyHybrid Strategy = "hybrid"

	// StrategyDelayed records the assessment and defers all work.
	StrategyDelayed Strategy = "delayed"
)

// ParseStrategy maps a strategy token to its value.
func ParseStrategy(s string) (Strategy, bool) {
	switch Strategy(s) {
	case StrategyImmediate, StrategyGradual, StrategyHybrid, StrategyDelayed:
		return Strategy(s), true
	}
	return "", false
}

// JobStatus is a migration job's lifecycle state.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusInProgress JobStatus = "in_progress"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Progress tracks a running job. Percent never decreases while the job is
// in progress.
type Progress struct {
	Phase   string  `json:"phase"`
	Step    int     `json:"step"`
	Percent float64 `json:"percent"`
}

// Results accumulates the job's outcome.
type Results struct {
	Migrated    int            `json:"migrated"`
	Failed      int            `json:"failed"`
	ByAlgorithm map[string]int `json:"by_algorithm,omitempty"`
	Errors      []string       `json:"errors,omitempty"`
}

// Job is one migration run. It is created by StartMigration and mutated
// only by the orchestrator's worker, except for cancellation.
type Job struct {
	ID              string       `json:"id"`
	Strategy        Strategy     `json:"strategy"`
	TargetAlgorithm algorithm.ID `json:"target_algorithm"`
	BatchSize       int          `json:"batch_size"`
	RotateKeys      bool         `json:"rotate_keys"`

	Status   JobStatus `json:"status"`
	Progress Progress  `json:"progress"`
	Results  Results   `json:"results"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// RiskLevel grades how disruptive a migration is expected to be.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Readiness is the read-only assessment of the device and conversation
// population.
type Readiness struct {
	TotalDevices   int `json:"total_devices"`
	QuantumCapable int `json:"quantum_capable"`

	// ConversationAlgorithms maps conversation id to its current
	// negotiated algorithm token.
	ConversationAlgorithms map[string]string `json:"conversation_algorithms"`

	// ByAlgorithm tallies conversations per algorithm.
	ByAlgorithm map[string]int `json:"by_algorithm"`

	RiskLevel           RiskLevel `json:"risk_level"`
	RecommendedStrategy Strategy  `json:"recommended_strategy"`
}

// Compatibility reports which devices can support a target algorithm.
type Compatibility struct {
	TargetAlgorithm algorithm.ID `json:"target_algorithm"`
	TotalDevices    int          `json:"total_devices"`
	Supporting      int          `json:"supporting"`
	Fraction        float64      `json:"fraction"`
	Incompatible    []string     `json:"incompatible,omitempty"`
}
