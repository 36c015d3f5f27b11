package recipe

import (
	"fmt"
	"sort"
	"time"
)

// Step is one time-boxed flow configuration. Duration is in seconds so
// recipes serialize naturally as JSON or YAML; fractional values are
// valid.
type Step struct {
	Name        string             `json:"name"`
	Duration    float64            `json:"duration"`
	Flows       map[string]float64 `json:"flows"`
	Description string             `json:"description,omitempty"`
}

// duration returns the step length as a time.Duration.
func (s Step) duration() time.Duration {
	return time.Duration(s.Duration * float64(time.Second))
}

// Recipe is an ordered sequence of steps. A recipe and its steps are
// treated as immutable once execution starts; Execute works on a copy.
type Recipe struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Steps       []Step `json:"steps"`
}

// Validate checks the recipe for structural problems before execution.
// Unknown channel names are deliberately not checked here: they are a
// runtime condition, reported and skipped per step.
func (r Recipe) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRecipe)
	}
	if len(r.Steps) == 0 {
		return ErrEmptyRecipe
	}

	for i, step := range r.Steps {
		if step.Name == "" {
			return fmt.Errorf("%w: step %d has no name", ErrInvalidRecipe, i)
		}
		if step.Duration <= 0 {
			return fmt.Errorf("%w: step %q duration must be positive", ErrInvalidRecipe, step.Name)
		}
		if len(step.Flows) == 0 {
			return fmt.Errorf("%w: step %q has no flows", ErrInvalidRecipe, step.Name)
		}
		for channel, flow := range step.Flows {
			if flow < 0 {
				return fmt.Errorf("%w: step %q channel %q flow is negative", ErrInvalidRecipe, step.Name, channel)
			}
		}
	}

	return nil
}

// UnknownChannels returns the channels named by any step that are not in
// known, sorted and deduplicated. Unknown channels do not invalidate a
// recipe (their flows are skipped and recorded at runtime), but callers
// can warn operators ahead of execution.
func (r Recipe) UnknownChannels(known []string) []string {
	knownSet := make(map[string]struct{}, len(known))
	for _, name := range known {
		knownSet[name] = struct{}{}
	}

	seen := make(map[string]struct{})
	var unknown []string
	for _, step := range r.Steps {
		for channel := range step.Flows {
			if _, ok := knownSet[channel]; ok {
				continue
			}
			if _, dup := seen[channel]; dup {
				continue
			}
			seen[channel] = struct{}{}
			unknown = append(unknown, channel)
		}
	}
	sort.Strings(unknown)
	return unknown
}

// TotalDuration returns the summed length of all steps.
func (r Recipe) TotalDuration() time.Duration {
	var total time.Duration
	for _, step := range r.Steps {
		total += step.duration()
	}
	return total
}

// ExecutionStatus values for the run journal.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// StepFailure records one setpoint that was denied or failed during a
// step. Failures never abort the run; they are reported for the operator.
type StepFailure struct {
	StepIndex int    `json:"step_index"`
	StepName  string `json:"step_name"`
	Channel   string `json:"channel"`
	Reason    string `json:"reason"`
}

// Execution is one journaled recipe run.
type Execution struct {
	ID          string        `json:"id"`
	RecipeName  string        `json:"recipe_name"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Status      string        `json:"status"`
	StepCount   int           `json:"step_count"`
	Failures    []StepFailure `json:"failures"`
}

// Status is a snapshot of the executor for callers.
//
// Progress is the elapsed fraction of the current step, clamped to
// [0, 1]. When nothing is executing the snapshot describes the last run,
// if any.
type Status struct {
	Executing        bool          `json:"executing"`
	ExecutionID      string        `json:"execution_id,omitempty"`
	RecipeName       string        `json:"recipe_name,omitempty"`
	CurrentStepIndex int           `json:"current_step_index"`
	TotalSteps       int           `json:"total_steps"`
	StepName         string        `json:"step_name,omitempty"`
	Progress         float64       `json:"progress"`
	Failures         []StepFailure `json:"failures,omitempty"`
}
