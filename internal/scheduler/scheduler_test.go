package scheduler

import (
	"context"
	"testing"
	"time"

	"ema/internal/models"
	"ema/internal/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, store.Store) {
	t.Helper()
	docs := store.NewInMemory()
	s, err := New(Config{
		Docs:               docs,
		DefaultConcurrency: 4,
		LockLifetime:       time.Second,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s, docs
}

func TestScheduleFiresHandlerAndRemovesOneShotJob(t *testing.T) {
	s, docs := newTestScheduler(t)

	fired := make(chan models.Job, 1)
	handlers := map[string]Handler{
		"ping": func(ctx context.Context, job models.Job) error {
			fired <- job
			return nil
		},
	}
	if err := s.Start(context.Background(), handlers); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { s.Stop() })

	id, err := s.Schedule(context.Background(), "ping", time.Now().Add(50*time.Millisecond), map[string]any{"n": 1})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	select {
	case job := <-fired:
		if job.ID != id {
			t.Fatalf("expected job id %s, got %s", id, job.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for the one-shot job to fire")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		rows, err := docs.ListCollection(context.Background(), store.Agenda, map[string]any{"id": id}, 0, nil)
		if err != nil {
			t.Fatalf("list agenda: %v", err)
		}
		if len(rows) == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected the fired one-shot job to be removed from the store")
}

func TestScheduleEveryCollapsesOnSameUniqueKey(t *testing.T) {
	s, docs := newTestScheduler(t)

	unique := map[string]any{"kind": "daily-digest", "userId": 7}
	id1, err := s.ScheduleEvery(context.Background(), "digest", time.Now().Add(time.Hour), "24h", nil, unique)
	if err != nil {
		t.Fatalf("schedule every: %v", err)
	}
	id2, err := s.ScheduleEvery(context.Background(), "digest", time.Now().Add(2*time.Hour), "24h", nil, unique)
	if err != nil {
		t.Fatalf("schedule every again: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected the second call to collapse onto the first job, got %s and %s", id1, id2)
	}

	rows, err := docs.ListCollection(context.Background(), store.Agenda, nil, 0, nil)
	if err != nil {
		t.Fatalf("list agenda: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one persisted job, got %d", len(rows))
	}
}

func TestCancelRemovesAPendingJob(t *testing.T) {
	s, _ := newTestScheduler(t)

	id, err := s.Schedule(context.Background(), "ping", time.Now().Add(time.Hour), nil)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	ok, err := s.Cancel(context.Background(), id)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !ok {
		t.Fatalf("expected cancel to succeed")
	}

	job, err := s.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job != nil {
		t.Fatalf("expected the cancelled job to be gone, got %+v", job)
	}
}

func TestCancelUnknownJobReturnsFalse(t *testing.T) {
	s, _ := newTestScheduler(t)

	ok, err := s.Cancel(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ok {
		t.Fatalf("expected cancel of an unknown job to report false")
	}
}

func TestRescheduleUpdatesRunAtAndData(t *testing.T) {
	s, _ := newTestScheduler(t)

	runAt := time.Now().Add(time.Hour)
	id, err := s.Schedule(context.Background(), "ping", runAt, map[string]any{"n": float64(1)})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	newRunAt := time.Now().Add(2 * time.Hour)
	ok, err := s.Reschedule(context.Background(), id, "ping", newRunAt, map[string]any{"n": float64(2)})
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if !ok {
		t.Fatalf("expected reschedule to succeed")
	}

	job, err := s.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job == nil {
		t.Fatalf("expected the rescheduled job to still exist")
	}
	if job.RunAt != newRunAt.UnixMilli() {
		t.Fatalf("expected runAt to be updated to %d, got %d", newRunAt.UnixMilli(), job.RunAt)
	}
	if job.Data["n"] != float64(2) {
		t.Fatalf("expected data to be updated, got %+v", job.Data)
	}
}

func TestListJobsFiltersByField(t *testing.T) {
	s, _ := newTestScheduler(t)

	if _, err := s.Schedule(context.Background(), "ping", time.Now().Add(time.Hour), nil); err != nil {
		t.Fatalf("schedule ping: %v", err)
	}
	if _, err := s.Schedule(context.Background(), "pong", time.Now().Add(time.Hour), nil); err != nil {
		t.Fatalf("schedule pong: %v", err)
	}

	jobs, err := s.ListJobs(context.Background(), map[string]any{"name": "pong"})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Name != "pong" {
		t.Fatalf("expected exactly one pong job, got %+v", jobs)
	}
}

func TestStartIsIdempotentWhileRunning(t *testing.T) {
	s, _ := newTestScheduler(t)

	if err := s.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { s.Stop() })

	if err := s.Start(context.Background(), map[string]Handler{"ping": func(context.Context, models.Job) error { return nil }}); err != nil {
		t.Fatalf("second start: %v", err)
	}
}
