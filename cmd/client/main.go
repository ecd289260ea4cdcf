// Command client is the submit-and-watch CLI: it posts a job description
// to a running master and polls job_status until every task group has
// finished, exiting 0/88/other per spec.md §6.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gcesarano/swarmtest/pkg/task"
)

const (
	exitUsage     = 1
	exitTransport = 2
	exitAnyFailed = 88

	pollInterval   = 500 * time.Millisecond
	requestTimeout = 10 * time.Second
)

type jobRequest struct {
	Tasks []*task.Task `json:"tasks"`
}

// statusResponse mirrors pkg/master.Summary's JSON shape.
type statusResponse struct {
	Status          string `json:"status"`
	FinishedGroups  int    `json:"finished_groups"`
	TotalGroups     int    `json:"total_groups"`
	FailedGroups    int    `json:"failed_groups"`
	SucceededGroups int    `json:"succeeded_groups"`
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 2 || args[0] != "submit" {
		fmt.Fprintln(os.Stderr, "usage: client submit <job.json> [--master-url URL] [--job-name NAME]")
		return exitUsage
	}
	jobPath := args[1]
	masterURL := os.Getenv("SWARM_MASTER_URL")
	jobName := ""
	for i := 2; i < len(args); i++ {
		switch args[i] {
		case "--master-url":
			if i+1 >= len(args) {
				return exitUsage
			}
			masterURL = args[i+1]
			i++
		case "--job-name":
			if i+1 >= len(args) {
				return exitUsage
			}
			jobName = args[i+1]
			i++
		}
	}
	if masterURL == "" {
		fmt.Fprintln(os.Stderr, "client: master URL required (--master-url or SWARM_MASTER_URL)")
		return exitUsage
	}

	data, err := os.ReadFile(jobPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "client: read %s: %v\n", jobPath, err)
		return exitUsage
	}
	var req jobRequest
	if err := json.Unmarshal(data, &req); err != nil {
		fmt.Fprintf(os.Stderr, "client: parse %s: %v\n", jobPath, err)
		return exitUsage
	}

	jobID := newJobID(jobName)
	httpClient := &http.Client{Timeout: requestTimeout}

	if err := submitJob(httpClient, masterURL, jobID, data); err != nil {
		fmt.Fprintf(os.Stderr, "client: submit failed: %v\n", err)
		return exitTransport
	}
	fmt.Printf("submitted job %s\n", jobID)

	for {
		status, err := fetchStatus(httpClient, masterURL, jobID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "client: status check failed: %v\n", err)
			return exitTransport
		}
		fmt.Printf("%s: %d/%d groups finished (%d succeeded, %d failed)\n",
			status.Status, status.FinishedGroups, status.TotalGroups,
			status.SucceededGroups, status.FailedGroups)

		if status.Status == "finished" {
			if status.FailedGroups > 0 {
				return exitAnyFailed
			}
			return 0
		}
		time.Sleep(pollInterval)
	}
}

// newJobID builds a job identifier shaped "<user>.<epoch>.<pid>", optionally
// prefixed by a client-supplied name (spec.md §6).
func newJobID(name string) string {
	user := os.Getenv("USER")
	if user == "" {
		user = "anonymous"
	}
	id := fmt.Sprintf("%s.%d.%d", user, time.Now().Unix(), os.Getpid())
	if name != "" {
		id = name + "." + id
	}
	return id
}

func submitJob(httpClient *http.Client, masterURL, jobID string, jobJSON []byte) error {
	form := url.Values{}
	form.Set("job_id", jobID)
	form.Set("job_json", string(jobJSON))

	resp, err := httpClient.PostForm(masterURL+"/submit_job", form)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

func fetchStatus(httpClient *http.Client, masterURL, jobID string) (*statusResponse, error) {
	resp, err := httpClient.Get(masterURL + "/job_status?job_id=" + url.QueryEscape(jobID))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	var s statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}
