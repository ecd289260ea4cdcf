package master

import (
	"html/template"
	"net/http"
)

// The HTML dashboard is explicitly thin (spec.md §1 Non-goals, §9 "HTML
// rendering... not part of core, implemented as adapters"): just enough
// that the / and /job routes exist and link through to the JSON endpoints
// a real UI would poll.

var indexTemplate = template.Must(template.New("index").Parse(`<!doctype html>
<title>swarmtest</title>
<h1>swarmtest master</h1>
<p>Recent jobs:</p>
<ul>
{{range .}}<li><a href="/job?job_id={{.JobID}}">{{.JobID}}</a> ({{.TaskCount}} tasks, submitted {{.SubmitTS}})</li>
{{end}}
</ul>
`))

var jobTemplate = template.Must(template.New("job").Parse(`<!doctype html>
<title>swarmtest: {{.JobID}}</title>
<h1>{{.JobID}}</h1>
<p>Status: {{.Status}} — runtime {{.Runtime}}s</p>
<ul>
<li>groups: {{.TotalGroups}} total, {{.FinishedGroups}} finished, {{.FailedGroups}} failed, {{.SucceededGroups}} succeeded, {{.FlakyGroups}} flaky</li>
<li>tasks: {{.TotalTasks}} total, {{.FinishedTasks}} finished, {{.RunningTasks}} running</li>
</ul>
<p><a href="/tasks?job_id={{.JobID}}">raw task records</a></p>
`))

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.FetchRecentJobRows(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	indexTemplate.Execute(w, jobs)
}

func (s *Server) handleJobPage(w http.ResponseWriter, r *http.Request) {
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
	sum := summarize(rows)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	jobTemplate.Execute(w, struct {
		Summary
		JobID string
	}{sum, jobID})
}
