package metrics

import "time"

// Outcome labels the decision taken for a task found by the resumer.
type Outcome string

const (
	OutcomeResumed      Outcome = "resumed"
	OutcomeMarkedError  Outcome = "marked_error"
	OutcomeMarkedFailed Outcome = "marked_failed"
	OutcomeIgnored      Outcome = "ignored"
	OutcomePromoted     Outcome = "promoted"
)

// Meter receives the resumer's observations.
type Meter interface {
	// TaskResolved counts one decision, globally by task type and per processing bucket.
	TaskResolved(outcome Outcome, taskType, bucket string)
	// ResolutionFailed counts tasks whose policy could not be applied.
	ResolutionFailed(taskType, reason string)
	VersionConflict(operation string)
	TriggerFailed(taskType string)
	CycleCompleted(loop string, duration time.Duration, aborted bool)
	LeadershipChanged(group string, leader bool)
}

// NopMeter discards every observation.
type NopMeter struct{}

func (NopMeter) TaskResolved(Outcome, string, string)       {}
func (NopMeter) ResolutionFailed(string, string)            {}
func (NopMeter) VersionConflict(string)                     {}
func (NopMeter) TriggerFailed(string)                       {}
func (NopMeter) CycleCompleted(string, time.Duration, bool) {}
func (NopMeter) LeadershipChanged(string, bool)             {}

var _ Meter = NopMeter{}
