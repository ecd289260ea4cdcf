package task

// Group aggregates all attempt rows sharing a single (job_id, task_id),
// computing the status predicates defined in spec.md §3.
//
// Reminder of the boolean algebra (mirrors python's any([]) == False,
// all([]) == True):
//
//	any_succeeded         = at least one attempt has Status == 0
//	all_failed            = non-empty AND every attempt has a non-nil,
//	                        non-zero Status
//	has_retries_remaining = every attempt has Attempt < MaxRetries
//	is_succeeded          = any_succeeded
//	is_failed             = all_failed AND NOT has_retries_remaining
//	is_flaky              = (all_failed AND has_retries_remaining) OR
//	                        (any_succeeded AND any_failed)
//	is_finished           = any_succeeded OR (all_failed AND NOT
//	                        has_retries_remaining)
type Group struct {
	Tasks []*Task

	AnySucceeded        bool
	AnyFailed           bool
	AllFailed           bool
	HasRetriesRemaining bool

	IsSucceeded bool
	IsFailed    bool
	IsFlaky     bool
	IsFinished  bool
}

// NewGroup computes the derived status of a set of attempt rows for the
// same task_id.
func NewGroup(tasks []*Task) *Group {
	g := &Group{Tasks: tasks}
	if len(tasks) == 0 {
		g.HasRetriesRemaining = true
		return g
	}

	allFailed := true
	hasRetriesRemaining := true
	for _, t := range tasks {
		failed := t.Status != nil && *t.Status != StatusSuccess
		if !failed {
			allFailed = false
		}
		if failed {
			g.AnyFailed = true
		}
		if t.Status != nil && *t.Status == StatusSuccess {
			g.AnySucceeded = true
		}
		if t.Attempt >= t.MaxRetries {
			hasRetriesRemaining = false
		}
	}
	g.AllFailed = allFailed
	g.HasRetriesRemaining = hasRetriesRemaining

	if allFailed {
		if hasRetriesRemaining {
			g.IsFlaky = true
		} else {
			g.IsFailed = true
		}
	} else if g.AnySucceeded {
		g.IsSucceeded = true
		if g.AnyFailed {
			g.IsFlaky = true
		}
	}

	g.IsFinished = g.AnySucceeded || (allFailed && !hasRetriesRemaining)
	return g
}

// FailedAttempts returns the attempts in this group with a non-zero status,
// used to count "flaky_tasks" in job summaries.
func (g *Group) FailedAttempts() []*Task {
	var out []*Task
	for _, t := range g.Tasks {
		if t.Status != nil && *t.Status != StatusSuccess {
			out = append(out, t)
		}
	}
	return out
}
