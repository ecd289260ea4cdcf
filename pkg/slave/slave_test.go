package slave

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/gcesarano/swarmtest/pkg/blob"
	"github.com/gcesarano/swarmtest/pkg/config"
	"github.com/gcesarano/swarmtest/pkg/queue"
	"github.com/gcesarano/swarmtest/pkg/store"
	"github.com/gcesarano/swarmtest/pkg/task"
)

func TestHandleReservationDeletesQueueEntryWhenMarkRunningLosesCancelRace(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	defer mr.Close()
	q := queue.NewClientFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := store.NewStore(sqlx.NewDb(db, "sqlmock"), blob.NullStore{})
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE swarm_tasks SET start_ts = now(), hostname = $1`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	cfg := &config.Config{}
	s := New(cfg, q, st)

	tk := &task.Task{JobID: "j", TaskID: "t1", IsolateHash: hash40("a")}
	ctx := context.Background()
	if err := q.Submit(ctx, tk, 1); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h, err := q.Reserve(ctx)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	s.handleReservation(ctx, h, t.TempDir())

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Ready != 0 || stats.Reserved != 0 {
		t.Fatalf("expected the stale reservation to be deleted outright, got %+v", stats)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRetryTaskPostsTaskJSONToMaster(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.FormValue("task_json") == "" {
			t.Fatalf("expected task_json form field")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := &config.Config{}
	cfg.Master.URL = srv.URL
	s := New(cfg, nil, nil)

	tk := &task.Task{JobID: "j", TaskID: "t1", Attempt: 0, MaxRetries: 1}
	if err := s.retryTask(context.Background(), tk); err != nil {
		t.Fatalf("retryTask: %v", err)
	}
	if gotPath != "/retry_task" {
		t.Fatalf("expected POST to /retry_task, got %s", gotPath)
	}
}
