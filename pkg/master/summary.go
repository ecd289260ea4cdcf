package master

import (
	"time"

	"github.com/gcesarano/swarmtest/pkg/task"
)

// Summary is the JSON body of GET /job_status — a port of the original
// dist_test.py `_summarize_tasks` helper onto Go's stricter typing
// (spec.md §4.3 "job_status / tasks").
type Summary struct {
	Status  string  `json:"status"` // "finished" or "running"
	Runtime float64 `json:"runtime_secs"`

	TotalTasks     int `json:"total_tasks"`
	FinishedTasks  int `json:"finished_tasks"`
	RunningTasks   int `json:"running_tasks"`
	RetriedTasks   int `json:"retried_tasks"`
	TimedOutTasks  int `json:"timedout_tasks"`
	FailedTasks    int `json:"failed_tasks"`
	SucceededTasks int `json:"succeeded_tasks"`
	FlakyTasks     int `json:"flaky_tasks"`

	TotalGroups     int `json:"total_groups"`
	FinishedGroups  int `json:"finished_groups"`
	FlakyGroups     int `json:"flaky_groups"`
	FailedGroups    int `json:"failed_groups"`
	SucceededGroups int `json:"succeeded_groups"`
}

// summarize groups rows by task_id and folds both attempt-level and
// group-level counters, matching spec.md §4.3's description verbatim.
func summarize(rows []*task.Task) Summary {
	var s Summary
	s.TotalTasks = len(rows)

	var minSubmit time.Time
	var maxComplete time.Time
	haveSubmit := false

	byTaskID := map[string][]*task.Task{}
	for _, t := range rows {
		byTaskID[t.TaskID] = append(byTaskID[t.TaskID], t)

		if !haveSubmit || t.SubmitTS.Before(minSubmit) {
			minSubmit = t.SubmitTS
			haveSubmit = true
		}
		if t.CompleteTS != nil && t.CompleteTS.After(maxComplete) {
			maxComplete = *t.CompleteTS
		}

		if t.IsFinished() {
			s.FinishedTasks++
		} else if t.StartTS != nil {
			s.RunningTasks++
		}
		if t.Attempt > 0 {
			s.RetriedTasks++
		}
		if t.Status != nil {
			switch *t.Status {
			case task.StatusSuccess:
				s.SucceededTasks++
			case task.StatusTimedOut:
				s.TimedOutTasks++
				s.FailedTasks++
			default:
				s.FailedTasks++
			}
		}
	}

	s.TotalGroups = len(byTaskID)
	for _, attempts := range byTaskID {
		g := task.NewGroup(attempts)
		if g.IsFinished {
			s.FinishedGroups++
		}
		if g.IsFlaky {
			s.FlakyGroups++
			s.FlakyTasks += len(g.FailedAttempts())
		}
		if g.IsFailed {
			s.FailedGroups++
		}
		if g.IsSucceeded {
			s.SucceededGroups++
		}
	}

	if s.TotalGroups > 0 && s.FinishedGroups == s.TotalGroups {
		s.Status = "finished"
	} else {
		s.Status = "running"
	}

	if !haveSubmit {
		return s
	}
	if s.Status == "finished" {
		s.Runtime = maxComplete.Sub(minSubmit).Seconds()
	} else {
		s.Runtime = time.Since(minSubmit).Seconds()
	}
	return s
}
