package master

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gcesarano/swarmtest/pkg/logger"
	"github.com/gcesarano/swarmtest/pkg/queue"
	"github.com/gcesarano/swarmtest/pkg/task"
)

var log = logger.Named("master")

// submitJobRequest is the form body of POST /submit_job (spec.md §6).
type submitJobRequest struct {
	Tasks []*task.Task `json:"tasks"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"status": "ERROR", "message": msg})
}

// account identifies the caller for rate-limiting purposes: the digest
// username if present, otherwise "anonymous" (requests from an allowlisted
// CIDR range never reach the digest check at all).
func account(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Digest ") {
		return "anonymous"
	}
	params := parseDigestParams(strings.TrimPrefix(auth, "Digest "))
	if u := params["username"]; u != "" {
		return u
	}
	return "anonymous"
}

// handleSubmitJob implements spec.md §4.3's submit_job: parse the job form,
// assign task_id = isolate_hash + "." + index, sort descending by
// last-known duration, register every attempt, then enqueue each task at
// default priority plus its position in the sorted list.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	allowed, err := s.queue.Allow(ctx, "submit:"+account(r), s.cfg.Master.SubmitRateLimit, s.cfg.Master.SubmitRateBurst)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !allowed {
		writeError(w, http.StatusTooManyRequests, "submission rate limit exceeded")
		return
	}

	jobID := r.FormValue("job_id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "missing job_id")
		return
	}

	var req submitJobRequest
	if err := json.Unmarshal([]byte(r.FormValue("job_json")), &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad job_json: "+err.Error())
		return
	}

	now := time.Now()
	descriptions := make([]string, 0, len(req.Tasks))
	for i, t := range req.Tasks {
		t.JobID = jobID
		t.TaskID = t.IsolateHash + "." + strconv.Itoa(i)
		t.SubmitTS = now
		if err := t.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid task "+t.TaskID+": "+err.Error())
			return
		}
		descriptions = append(descriptions, t.Description)
	}

	durations, err := s.store.FetchRecentTaskDurations(ctx, descriptions)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Longest-processing-time-first: descending by last-known duration,
	// missing descriptions treated as 0, ties keep submission order.
	sort.SliceStable(req.Tasks, func(i, j int) bool {
		return durations[req.Tasks[i].Description] > durations[req.Tasks[j].Description]
	})

	if err := s.store.RegisterTasks(ctx, req.Tasks); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Enqueue in the sorted (longest-first) order, with each task's
	// priority offset by its position: lower priority values reserve
	// first, so the sort order above must be reflected in the score, not
	// just in submission order (spec.md Scenario S6).
	for i, t := range req.Tasks {
		priority := int64(task.DefaultPriority) + int64(i)
		if err := s.queue.Submit(ctx, t, priority); err != nil {
			log.Error().Err(err).Str("task_id", t.TaskID).Msg("failed to enqueue registered task")
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "SUCCESS"})
}

// handleRetryTask implements spec.md §4.3's retry_task: a slave posts the
// task descriptor it just ran; if attempts remain, the next attempt is
// registered and enqueued at boosted priority. Duplicate submission is
// idempotent because the store's primary key rejects the second insert.
func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var t task.Task
	if err := json.Unmarshal([]byte(r.FormValue("task_json")), &t); err != nil {
		writeError(w, http.StatusBadRequest, "bad task_json: "+err.Error())
		return
	}
	if t.Attempt >= t.MaxRetries {
		writeJSON(w, http.StatusOK, map[string]string{"status": "NO_RETRY_REMAINING"})
		return
	}

	t.Attempt++
	t.SubmitTS = time.Now()
	if err := s.store.RegisterTasks(ctx, []*task.Task{&t}); err != nil {
		if isDuplicateKey(err) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "SUCCESS"})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	priority := queue.RetryPriority(t.Attempt)
	if err := s.queue.Submit(ctx, &t, priority); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "SUCCESS"})
}

func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// handleCancelJob delegates to the Results Store (spec.md §4.2 cancel_job).
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		jobID = r.FormValue("job_id")
	}
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "missing job_id")
		return
	}
	if err := s.store.CancelJob(r.Context(), jobID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "SUCCESS"})
}

// handleJobStatus aggregates a job's rows into the counters spec.md §4.3
// describes, used by the client CLI's polling loop.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "missing job_id")
		return
	}
	rows, err := s.store.FetchTaskRowsForJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summarize(rows))
}

// taskRecord is one row of GET /tasks, with blob links resolved.
type taskRecord struct {
	*task.Task
	StdoutLink   string `json:"stdout_link,omitempty"`
	StderrLink   string `json:"stderr_link,omitempty"`
	ArtifactLink string `json:"artifact_link,omitempty"`
}

// handleTasks lists per-task records for a job, filtered by status
// (spec.md §4.3 "/tasks?job_id=…&status=failed|succeeded|finished").
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "missing job_id")
		return
	}
	statusFilter := r.URL.Query().Get("status")

	rows, err := s.store.FetchTaskRowsForJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]taskRecord, 0, len(rows))
	for _, t := range rows {
		if !matchesStatusFilter(t, statusFilter) {
			continue
		}
		rec := taskRecord{Task: t}
		rec.StdoutLink, _ = s.store.GenerateBlobLink(t.StdoutKey)
		rec.StderrLink, _ = s.store.GenerateBlobLink(t.StderrKey)
		rec.ArtifactLink, _ = s.store.GenerateBlobLink(t.ArtifactKey)
		out = append(out, rec)
	}
	writeJSON(w, http.StatusOK, out)
}

func matchesStatusFilter(t *task.Task, filter string) bool {
	switch filter {
	case "":
		return true
	case "finished":
		return t.IsFinished()
	case "succeeded":
		return t.Status != nil && *t.Status == task.StatusSuccess
	case "failed":
		return t.Status != nil && *t.Status != task.StatusSuccess
	default:
		return true
	}
}

// handleStats exposes queue depths for the autoscaler's poll loop
// (SPEC_FULL.md §4.6).
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleBlob verifies a signed blob link and streams the underlying file.
// Only meaningful when the configured blob store is a *blob.FileStore;
// other Store implementations generate their own direct download URLs and
// never route traffic through this handler.
func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	fs, ok := s.blob.(blobVerifier)
	if !ok {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()
	path, err := fs.Verify(q.Get("key"), q.Get("exp"), q.Get("sig"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+q.Get("key")+`"`)
	w.Write(data)
}

// blobVerifier is satisfied by *blob.FileStore; handleBlob type-asserts to
// it rather than importing the concrete type, keeping pkg/master decoupled
// from any one Store implementation.
type blobVerifier interface {
	Verify(key, expStr, sig string) (string, error)
}
