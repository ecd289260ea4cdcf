package autoscaler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeResizer struct {
	calls []int
}

func (f *fakeResizer) Resize(ctx context.Context, n int) error {
	f.calls = append(f.calls, n)
	return nil
}

func TestNextTargetGrowsWhenReadyQueueNonEmpty(t *testing.T) {
	a := New("http://unused", &fakeResizer{}, 5)
	target := a.nextTarget(Stats{Ready: 3, Reserved: 0}, time.Now())
	if target != 15 {
		t.Fatalf("expected growth to 15, got %d", target)
	}
}

func TestNextTargetCapsAt100(t *testing.T) {
	a := New("http://unused", &fakeResizer{}, 95)
	target := a.nextTarget(Stats{Ready: 1}, time.Now())
	if target != 100 {
		t.Fatalf("expected cap at 100, got %d", target)
	}
}

func TestNextTargetShrinksToFloorAfterLag(t *testing.T) {
	a := New("http://unused", &fakeResizer{}, 20)
	a.lastGrowTime = time.Now().Add(-2 * shrinkLag)
	target := a.nextTarget(Stats{Ready: 0, Reserved: 0}, time.Now())
	if target != 1 {
		t.Fatalf("expected shrink to floor 1, got %d", target)
	}
}

func TestNextTargetUnchangedDuringShrinkLag(t *testing.T) {
	a := New("http://unused", &fakeResizer{}, 20)
	a.lastGrowTime = time.Now()
	target := a.nextTarget(Stats{Ready: 0, Reserved: 0}, time.Now())
	if target != 20 {
		t.Fatalf("expected unchanged target within shrink lag, got %d", target)
	}
}

func TestNextTargetUnchangedWhileTasksStillRunning(t *testing.T) {
	a := New("http://unused", &fakeResizer{}, 20)
	a.lastGrowTime = time.Now().Add(-2 * shrinkLag)
	target := a.nextTarget(Stats{Ready: 0, Reserved: 4}, time.Now())
	if target != 20 {
		t.Fatalf("expected unchanged target while tasks are still running, got %d", target)
	}
}

func TestTickInvokesResizerOnlyWhenTargetChanges(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls++
		if polls == 1 {
			w.Write([]byte(`{"Ready":5,"Reserved":0}`))
			return
		}
		// Nothing ready but tasks still running: the target stays put.
		w.Write([]byte(`{"Ready":0,"Reserved":3}`))
	}))
	defer srv.Close()

	resizer := &fakeResizer{}
	a := New(srv.URL, resizer, 1)
	if err := a.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(resizer.calls) != 1 || resizer.calls[0] != 11 {
		t.Fatalf("expected a single resize call to 11, got %+v", resizer.calls)
	}
	if err := a.tick(context.Background()); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if len(resizer.calls) != 1 {
		t.Fatalf("expected no resize call when the target is unchanged, got %+v", resizer.calls)
	}
}
