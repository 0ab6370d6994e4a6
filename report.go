package cafeloader

import (
	"errors"
	"fmt"
)

type Step string

const (
	StepHandshake Step = "handshake"
	StepPatches   Step = "patches"
	StepSegments  Step = "segments"
)

// steps is the start-of-process order. Segments go last.
var steps = []Step{StepHandshake, StepPatches, StepSegments}

type Outcome string

const (
	// Skipped means the step's artifacts are not present.
	Skipped Outcome = "skipped"
	Applied Outcome = "applied"
	// Rejected means the peer answered the handshake with something other
	// than the accept code.
	Rejected Outcome = "rejected"
	Failed   Outcome = "failed"
)

type StepResult struct {
	Step    Step
	Outcome Outcome
	Err     error
}

func (result StepResult) fail(err error) StepResult {
	result.Outcome = Failed
	result.Err = err
	return result
}

func (result StepResult) String() string {
	if result.Err != nil {
		return fmt.Sprintf("%s: %s: %v", result.Step, result.Outcome, result.Err)
	}
	return fmt.Sprintf("%s: %s", result.Step, result.Outcome)
}

type Report struct {
	Steps []StepResult
}

func (report *Report) add(result StepResult) {
	report.Steps = append(report.Steps, result)
}

// Result returns the outcome of step.
func (report *Report) Result(step Step) (StepResult, bool) {
	for _, result := range report.Steps {
		if result.Step == step {
			return result, true
		}
	}
	return StepResult{}, false
}

// Err joins the errors of failed steps. Skipped and rejected steps are not
// errors.
func (report *Report) Err() error {
	var errs []error
	for _, result := range report.Steps {
		if result.Outcome == Failed {
			errs = append(errs, fmt.Errorf("%s: %w", result.Step, result.Err))
		}
	}
	return errors.Join(errs...)
}
