package reporter

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stridefusion/pdrengine/internal/clock"
	"github.com/stridefusion/pdrengine/internal/collector"
	"github.com/stridefusion/pdrengine/internal/logging"
	"github.com/stridefusion/pdrengine/internal/types"
)

type fakeSource struct {
	fp types.FusedPosition
	ok bool
	env types.EnvironmentState
}

func (f *fakeSource) Snapshot() (types.FusedPosition, bool) { return f.fp, f.ok }
func (f *fakeSource) EnvironmentSnapshot() types.EnvironmentState { return f.env }

type fakeStopper struct {
	stopped atomic.Bool
}

func (s *fakeStopper) Stop() error {
	s.stopped.Store(true)
	return nil
}

func TestReporter_PostsOnTickAndTracksSuccess(t *testing.T) {
	var postCount atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		postCount.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"locationValid":true,"sessionEnded":false}`))
	}))
	defer srv.Close()

	clk := clock.NewManual(0)
	src := &fakeSource{ok: true, fp: types.FusedPosition{Lat: 1, Lng: 2, Accuracy: 5, Source: types.SourceFused}}
	stopper := &fakeStopper{}
	cfg := DefaultConfig(srv.URL)
	cfg.ForegroundMs = 30 // fast for test
	r := New(cfg, clk, logging.Silent(), collector.NewClient(srv.URL), src, stopper)

	if err := r.Start("a1", "s1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	time.Sleep(150 * time.Millisecond)
	if postCount.Load() == 0 {
		t.Fatal("expected at least one heartbeat post")
	}
}

func TestReporter_SessionEndedStopsSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"sessionEnded":true}`))
	}))
	defer srv.Close()

	clk := clock.NewManual(0)
	src := &fakeSource{ok: true, fp: types.FusedPosition{Lat: 1, Lng: 2, Accuracy: 5, Source: types.SourceFused}}
	stopper := &fakeStopper{}
	cfg := DefaultConfig(srv.URL)
	cfg.ForegroundMs = 30
	r := New(cfg, clk, logging.Silent(), collector.NewClient(srv.URL), src, stopper)

	if err := r.Start("a1", "s1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	time.Sleep(150 * time.Millisecond)
	if !stopper.stopped.Load() {
		t.Fatal("expected stopper.Stop() to be called on sessionEnded")
	}
}

func TestReporter_StartStopLifecycleErrors(t *testing.T) {
	clk := clock.NewManual(0)
	src := &fakeSource{ok: false}
	cfg := DefaultConfig("http://example.invalid")
	r := New(cfg, clk, logging.Silent(), collector.NewClient(cfg.EndpointURL), src, nil)

	if err := r.Stop(); err == nil {
		t.Fatal("expected NotTracking stopping before start")
	}
	if err := r.Start("a1", "s1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Start("a1", "s1"); err == nil {
		t.Fatal("expected AlreadyTracking on second start")
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestReporter_RetryOnFailure(t *testing.T) {
	var postCount atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		postCount.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":false,"error":"denied"}`))
	}))
	defer srv.Close()

	clk := clock.NewManual(0)
	src := &fakeSource{ok: true, fp: types.FusedPosition{Lat: 1, Lng: 2, Accuracy: 5, Source: types.SourceFused}}
	cfg := DefaultConfig(srv.URL)
	cfg.ForegroundMs = 10000 // rely on the retry timer, not the normal interval
	cfg.RetryDelayMs = 20
	cfg.MaxRetries = 2
	var exceeded atomic.Bool
	r := New(cfg, clk, logging.Silent(), collector.NewClient(srv.URL), src, nil)
	r.OnMaxRetriesExceeded = func() { exceeded.Store(true) }

	if err := r.Start("a1", "s1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	time.Sleep(200 * time.Millisecond)
	if postCount.Load() < 2 {
		t.Fatalf("expected retry to fire at least twice, got %d", postCount.Load())
	}
	if !exceeded.Load() {
		t.Fatal("expected OnMaxRetriesExceeded to fire after max_retries failures")
	}
}
