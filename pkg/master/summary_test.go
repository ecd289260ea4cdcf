package master

import (
	"testing"
	"time"

	"github.com/gcesarano/swarmtest/pkg/task"
)

func statusPtr(v int) *int { return &v }

func TestSummarizeAllSucceededIsFinished(t *testing.T) {
	now := time.Now()
	rows := []*task.Task{
		{TaskID: "a.0", Attempt: 0, MaxRetries: 0, SubmitTS: now, CompleteTS: &now, Status: statusPtr(task.StatusSuccess)},
		{TaskID: "b.0", Attempt: 0, MaxRetries: 0, SubmitTS: now, CompleteTS: &now, Status: statusPtr(task.StatusSuccess)},
	}
	s := summarize(rows)
	if s.Status != "finished" {
		t.Fatalf("expected finished, got %s", s.Status)
	}
	if s.TotalGroups != 2 || s.SucceededGroups != 2 || s.FailedGroups != 0 {
		t.Fatalf("unexpected group counters: %+v", s)
	}
}

func TestSummarizeUnstartedJobIsRunningWithZeroFinishedGroups(t *testing.T) {
	now := time.Now()
	rows := []*task.Task{
		{TaskID: "a.0", Attempt: 0, MaxRetries: 2, SubmitTS: now},
	}
	s := summarize(rows)
	if s.Status != "running" {
		t.Fatalf("expected running, got %s", s.Status)
	}
	if s.FinishedGroups != 0 {
		t.Fatalf("expected no finished groups, got %d", s.FinishedGroups)
	}
}

func TestSummarizeFlakyGroupCountsFailedAttempt(t *testing.T) {
	now := time.Now()
	rows := []*task.Task{
		{TaskID: "a.0", Attempt: 0, MaxRetries: 1, SubmitTS: now, CompleteTS: &now, Status: statusPtr(1)},
		{TaskID: "a.0", Attempt: 1, MaxRetries: 1, SubmitTS: now, CompleteTS: &now, Status: statusPtr(task.StatusSuccess)},
	}
	s := summarize(rows)
	if s.TotalGroups != 1 || s.FlakyGroups != 1 || s.SucceededGroups != 1 {
		t.Fatalf("unexpected group counters: %+v", s)
	}
	if s.FlakyTasks != 1 {
		t.Fatalf("expected one flaky task attempt counted, got %d", s.FlakyTasks)
	}
	if s.Status != "finished" {
		t.Fatalf("expected finished (succeeded wins over the earlier failure), got %s", s.Status)
	}
}

func TestSummarizeHardFailureExhaustsRetriesIsFailedGroup(t *testing.T) {
	now := time.Now()
	rows := []*task.Task{
		{TaskID: "a.0", Attempt: 0, MaxRetries: 1, SubmitTS: now, CompleteTS: &now, Status: statusPtr(2)},
		{TaskID: "a.0", Attempt: 1, MaxRetries: 1, SubmitTS: now, CompleteTS: &now, Status: statusPtr(2)},
	}
	s := summarize(rows)
	if s.FailedGroups != 1 || s.FinishedGroups != 1 {
		t.Fatalf("unexpected group counters: %+v", s)
	}
	if s.Status != "finished" {
		t.Fatalf("expected finished once retries are exhausted, got %s", s.Status)
	}
}
