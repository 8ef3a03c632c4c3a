package reconciler

import "time"

// ResourceStatus is the terminal state of one resource in a run. Each
// resource moves unchecked -> compared -> {up-to-date | drift-detected} ->
// applying -> {applied | failed}; only the terminal states are reported.
type ResourceStatus string

const (
	// StatusSkipped means the resource was already up to date and no
	// action was taken.
	StatusSkipped ResourceStatus = "skipped"

	// StatusApplied means drift was detected and corrected.
	StatusApplied ResourceStatus = "applied"

	// StatusFailed means the apply action failed; the resource keeps its
	// previous fingerprint so the next run retries it.
	StatusFailed ResourceStatus = "failed"
)

// FailurePolicy controls how a run proceeds past a resource failure.
type FailurePolicy string

const (
	// PolicyFailFast aborts the remaining resources in the cookbook on
	// the first failure. This is the default.
	PolicyFailFast FailurePolicy = "fail-fast"

	// PolicyContinue continues past individual failures and reports an
	// aggregate outcome.
	PolicyContinue FailurePolicy = "continue"
)

// ResourceOutcome is the per-resource result in a run's ordered outcome
// list.
type ResourceOutcome struct {
	// ID is the resource identity ({category}.{id}).
	ID string `json:"id"`

	// Status is the terminal state.
	Status ResourceStatus `json:"status"`

	// Reason describes a failure or an informative skip.
	Reason string `json:"reason,omitempty"`

	// Duration is how long the apply took; zero for skips.
	Duration time.Duration `json:"duration"`
}

// RunOutcome is the result of applying one cookbook.
type RunOutcome struct {
	// RunID uniquely identifies this run.
	RunID string `json:"run_id"`

	// Cookbook is the name of the applied cookbook.
	Cookbook string `json:"cookbook"`

	// Policy is the failure policy that was in effect, recorded per run.
	Policy FailurePolicy `json:"policy"`

	// Resources is the ordered per-resource outcome list. It covers every
	// declared resource even when the run aborts early, so the caller
	// always knows exactly which resources succeeded.
	Resources []ResourceOutcome `json:"resources"`

	// Success is true when no resource failed.
	Success bool `json:"success"`

	// Aborted is true when a fail-fast run stopped before processing all
	// resources.
	Aborted bool `json:"aborted"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Counts returns the number of skipped, applied and failed resources.
func (r *RunOutcome) Counts() (skipped, applied, failed int) {
	for _, res := range r.Resources {
		switch res.Status {
		case StatusSkipped:
			skipped++
		case StatusApplied:
			applied++
		case StatusFailed:
			failed++
		}
	}
	return skipped, applied, failed
}
