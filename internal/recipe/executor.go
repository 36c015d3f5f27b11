package recipe

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sputterlab/gasflow-core/internal/safety"
)

// defaultTick is the executor's driving cadence: step advancement and
// cancellation are both observed at this resolution.
const defaultTick = 100 * time.Millisecond

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// noopLogger discards all log output.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// FlowSetter applies admission-checked setpoints. Satisfied by
// *gasflow.Controller.
type FlowSetter interface {
	SetFlowRate(ctx context.Context, channel string, value float64) (safety.Decision, error)
}

// ExecutionRepository journals recipe runs. Optional: a nil repository
// disables journaling.
type ExecutionRepository interface {
	// RecordStart inserts a new running execution.
	RecordStart(ctx context.Context, exec Execution) error

	// RecordFinish marks an execution finished with its final status
	// and accumulated failures.
	RecordFinish(ctx context.Context, id, status string, completedAt time.Time, failures []StepFailure) error
}

// Executor drives one recipe at a time against the gas controller.
//
// Thread Safety: all methods are safe for concurrent use. At most one
// execution runs at a time; Execute during a run returns
// ErrAlreadyExecuting.
type Executor struct {
	flows   FlowSetter
	journal ExecutionRepository
	logger  Logger
	tick    time.Duration

	mu         sync.Mutex
	executing  bool
	cancelFn   context.CancelFunc
	execID     string
	recipe     Recipe
	stepIndex  int
	stepStart  time.Time
	failures   []StepFailure
	lastStatus Status

	wg sync.WaitGroup
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	// Tick is the driving cadence. Zero means defaultTick.
	Tick time.Duration

	// Journal receives run records. Nil disables journaling.
	Journal ExecutionRepository

	// Logger receives executor events. Nil discards them.
	Logger Logger
}

// NewExecutor creates an executor bound to a flow setter.
func NewExecutor(flows FlowSetter, cfg ExecutorConfig) *Executor {
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	return &Executor{
		flows:   flows,
		journal: cfg.Journal,
		logger:  cfg.Logger,
		tick:    cfg.Tick,
	}
}

// Execute starts a recipe run and returns its execution ID.
//
// The first step's flows are applied immediately; subsequent steps are
// advanced by the step timer. The run is detached from the caller's
// context: an HTTP request that started a recipe ending does not cancel
// the deposition sequence.
func (e *Executor) Execute(ctx context.Context, r Recipe) (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}

	e.mu.Lock()
	if e.executing {
		e.mu.Unlock()
		return "", ErrAlreadyExecuting
	}

	runCtx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()

	e.executing = true
	e.cancelFn = cancel
	e.execID = id
	e.recipe = r
	e.stepIndex = 0
	e.stepStart = time.Now()
	e.failures = nil
	e.mu.Unlock()

	if e.journal != nil {
		err := e.journal.RecordStart(ctx, Execution{
			ID:         id,
			RecipeName: r.Name,
			StartedAt:  time.Now().UTC(),
			Status:     StatusRunning,
			StepCount:  len(r.Steps),
		})
		if err != nil {
			e.logger.Error("failed to journal execution start",
				"execution_id", id,
				"error", err,
			)
		}
	}

	e.logger.Info("recipe execution started",
		"execution_id", id,
		"recipe", r.Name,
		"steps", len(r.Steps),
		"total_duration", r.TotalDuration(),
	)

	e.wg.Add(1)
	go e.run(runCtx)

	return id, nil
}

// Cancel stops the running execution. It takes effect within one tick;
// an in-flight hardware command is allowed to complete. Flows are left
// as they are for the operator to decide.
func (e *Executor) Cancel() error {
	e.mu.Lock()
	if !e.executing {
		e.mu.Unlock()
		return ErrNotExecuting
	}
	cancel := e.cancelFn
	e.mu.Unlock()

	cancel()
	return nil
}

// Stop cancels any running execution and waits for the run goroutine to
// exit. Used during service shutdown.
func (e *Executor) Stop() {
	if err := e.Cancel(); err == nil {
		e.logger.Info("recipe execution cancelled for shutdown")
	}
	e.wg.Wait()
}

// Status returns a snapshot of the executor. During a run, Progress is
// the elapsed fraction of the current step clamped to [0, 1]; after a
// run it reflects the final state of the last execution.
func (e *Executor) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.executing {
		return e.lastStatus
	}

	step := e.recipe.Steps[e.stepIndex]
	progress := time.Since(e.stepStart).Seconds() / step.duration().Seconds()
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}

	return Status{
		Executing:        true,
		ExecutionID:      e.execID,
		RecipeName:       e.recipe.Name,
		CurrentStepIndex: e.stepIndex,
		TotalSteps:       len(e.recipe.Steps),
		StepName:         step.Name,
		Progress:         progress,
		Failures:         append([]StepFailure(nil), e.failures...),
	}
}

// run drives the step timer until the sequence completes or is cancelled.
func (e *Executor) run(ctx context.Context) {
	defer e.wg.Done()

	e.applyStep(ctx, 0)

	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.finish(StatusCancelled)
			return

		case <-ticker.C:
			e.mu.Lock()
			idx := e.stepIndex
			step := e.recipe.Steps[idx]
			elapsed := time.Since(e.stepStart)
			last := idx == len(e.recipe.Steps)-1
			e.mu.Unlock()

			if elapsed < step.duration() {
				continue
			}

			if last {
				// Completion leaves the final step's flows in place;
				// recipes that should end idle carry an explicit
				// zero-flow step.
				e.finish(StatusCompleted)
				return
			}

			e.mu.Lock()
			e.stepIndex = idx + 1
			e.stepStart = time.Now()
			e.mu.Unlock()

			e.applyStep(ctx, idx+1)
		}
	}
}

// applyStep commands every flow named by a step, in channel order.
// Denials and hardware failures are recorded but never abort the run:
// the step timer alone governs advancement.
func (e *Executor) applyStep(ctx context.Context, index int) {
	e.mu.Lock()
	step := e.recipe.Steps[index]
	e.mu.Unlock()

	channels := make([]string, 0, len(step.Flows))
	for channel := range step.Flows {
		channels = append(channels, channel)
	}
	sort.Strings(channels)

	e.logger.Info("applying recipe step",
		"step_index", index,
		"step", step.Name,
		"channels", len(channels),
	)

	for _, channel := range channels {
		if ctx.Err() != nil {
			return
		}

		decision, err := e.flows.SetFlowRate(ctx, channel, step.Flows[channel])

		var reason string
		switch {
		case err != nil:
			reason = err.Error()
		case !decision.Allowed:
			reason = decision.Reason
		default:
			continue
		}

		e.recordFailure(StepFailure{
			StepIndex: index,
			StepName:  step.Name,
			Channel:   channel,
			Reason:    reason,
		})
	}
}

// recordFailure appends a step failure to the run record.
func (e *Executor) recordFailure(failure StepFailure) {
	e.logger.Warn("recipe step flow not applied",
		"step", failure.StepName,
		"channel", failure.Channel,
		"reason", failure.Reason,
	)

	e.mu.Lock()
	e.failures = append(e.failures, failure)
	e.mu.Unlock()
}

// finish closes out the run, retains a final status snapshot, and
// journals the outcome.
func (e *Executor) finish(status string) {
	e.mu.Lock()
	e.executing = false
	e.cancelFn = nil

	progress := 1.0
	if status == StatusCancelled {
		step := e.recipe.Steps[e.stepIndex]
		progress = time.Since(e.stepStart).Seconds() / step.duration().Seconds()
		if progress > 1 {
			progress = 1
		}
	}

	failures := append([]StepFailure(nil), e.failures...)
	id := e.execID
	name := e.recipe.Name

	e.lastStatus = Status{
		Executing:        false,
		ExecutionID:      id,
		RecipeName:       name,
		CurrentStepIndex: e.stepIndex,
		TotalSteps:       len(e.recipe.Steps),
		StepName:         e.recipe.Steps[e.stepIndex].Name,
		Progress:         progress,
		Failures:         failures,
	}
	e.mu.Unlock()

	if e.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := e.journal.RecordFinish(ctx, id, status, time.Now().UTC(), failures); err != nil {
			e.logger.Error("failed to journal execution finish",
				"execution_id", id,
				"error", err,
			)
		}
	}

	e.logger.Info("recipe execution finished",
		"execution_id", id,
		"recipe", name,
		"status", status,
		"failures", len(failures),
	)
}
