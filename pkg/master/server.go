// Package master implements the Master HTTP service from spec.md §4.3:
// job submission, retry acceptance, cancellation and status reporting, on
// top of pkg/queue and pkg/store. It replaces the teacher's hand-wrapped
// http.ServeMux (cmd/server/main.go) with go-chi/chi plus go-chi/cors,
// keeping the teacher's "CORS wraps Auth wraps Handler" composition order.
package master

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/gcesarano/swarmtest/pkg/blob"
	"github.com/gcesarano/swarmtest/pkg/config"
	"github.com/gcesarano/swarmtest/pkg/queue"
	"github.com/gcesarano/swarmtest/pkg/store"
)

// Server holds every collaborator a request handler needs.
type Server struct {
	cfg   *config.Config
	queue *queue.Client
	store *store.Store
	blob  blob.Store
	auth  *authGate
}

// NewServer wires the Results Store, Task Queue and blob store into a
// router, constructing the auth gate from cfg.Master's account map and
// allowed CIDR ranges.
func NewServer(cfg *config.Config, q *queue.Client, st *store.Store, blobStore blob.Store) (*Server, error) {
	gate, err := newAuthGate(cfg.Master.Accounts, cfg.Master.AllowedIPRanges)
	if err != nil {
		return nil, err
	}
	return &Server{cfg: cfg, queue: q, store: st, blob: blobStore, auth: gate}, nil
}

// Router builds the full handler tree: CORS wraps everything, then a
// protected sub-router carries the digest-auth gate over the write
// endpoints and HTML dashboard, while /job_status and /tasks stay open to
// unauthenticated JSON clients (spec.md §4.3 "Auth").
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: false,
	}))

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Post("/submit_job", s.handleSubmitJob)
		r.Post("/retry_task", s.handleRetryTask)
		r.Post("/cancel_job", s.handleCancelJob)
		r.Get("/cancel_job", s.handleCancelJob)
		r.Get("/", s.handleIndex)
		r.Get("/job", s.handleJobPage)
	})

	r.Get("/job_status", s.handleJobStatus)
	r.Get("/tasks", s.handleTasks)
	r.Get("/stats", s.handleStats)
	r.Get("/blob", s.handleBlob)

	return r
}
