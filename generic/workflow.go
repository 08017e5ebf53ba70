package generic

import "math"

// =============================================================================
// WORKFLOW - Fixed list of labelled steps, 1-based
// =============================================================================

// Workflow tracks progress through an ordered list of steps.
//
// Any step is reachable from any other step: operators use SetStep to
// correct data-entry mistakes as well as to advance. Only the bounds are
// enforced. Workflow is a value; SetStep returns the updated copy.
type Workflow struct {
	labels  []string
	current int
}

// Step describes one step for display.
type Step struct {
	Number int
	Label  string
	Done   bool
}

// NewWorkflow creates a workflow positioned at current.
func NewWorkflow(labels []string, current int) (Workflow, error) {
	w := Workflow{labels: labels, current: 1}
	return w.SetStep(current)
}

// SetStep moves the workflow to step n.
func (w Workflow) SetStep(n int) (Workflow, error) {
	if n < 1 || n > len(w.labels) {
		return w, &StepError{Step: n, Total: len(w.labels)}
	}
	w.current = n
	return w, nil
}

func (w Workflow) Current() int { return w.current }
func (w Workflow) Total() int   { return len(w.labels) }

// PercentComplete returns round(current / total * 100).
func (w Workflow) PercentComplete() int {
	if len(w.labels) == 0 {
		return 0
	}
	return int(math.Round(float64(w.current) / float64(len(w.labels)) * 100))
}

// Label returns the text of the current step.
func (w Workflow) Label() string {
	if w.current < 1 || w.current > len(w.labels) {
		return ""
	}
	return w.labels[w.current-1]
}

// IsTerminal is true on the last step.
func (w Workflow) IsTerminal() bool { return w.current == len(w.labels) }

// Steps lists every step, marking those at or before the current one as done.
func (w Workflow) Steps() []Step {
	steps := make([]Step, len(w.labels))
	for i, label := range w.labels {
		steps[i] = Step{Number: i + 1, Label: label, Done: i+1 <= w.current}
	}
	return steps
}
