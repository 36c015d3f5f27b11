// Package recipe implements time-stepped process sequences over the gas
// controller.
//
// A Recipe is an ordered list of Steps, each holding a duration and a map
// of per-channel target flows. The Executor applies a step's flows, waits
// out the step's duration, then advances. The step timer alone governs
// advancement: a denied or failed setpoint inside a step is recorded as a
// failure but never aborts the run, so an unattended deposition sequence
// keeps moving through its pre-validated steps.
//
// Completion leaves the last step's flows in place; sequences that should
// end idle carry an explicit zero-flow shutdown step. Cancellation takes
// effect within one executor tick, lets any in-flight hardware command
// finish, and likewise leaves flows as they are for the operator to
// decide.
//
// Every run is identified by a UUID and, when a repository is configured,
// journaled to the recipe_executions table with its recorded failures.
package recipe
