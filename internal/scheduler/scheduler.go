// Package scheduler implements the persistent job runner (C8): schedule
// one-shot and recurring work, dispatch it at-least-once across server
// instances via a Redis lock, and persist every job through the document
// store so it survives a restart. Grounded on the teacher's
// SchedulerService (gocron/v2 job registration, robfig/cron/v3 expression
// validation, a Redis SETNX/Lua-delete lock) and jobs.JobScheduler (the
// idle/running/stopping lifecycle), generalized from agent-workflow
// execution to the named-handler dispatch table §4.5 specifies.
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"ema/internal/models"
	"ema/internal/store"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

// Handler processes one firing of a named job.
type Handler func(ctx context.Context, job models.Job) error

// Status is the scheduler's own lifecycle state, distinct from gocron's
// internal scheduler state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
)

// Config bundles the scheduler's dependencies and dispatch tuning knobs.
type Config struct {
	Docs               store.Store
	Redis              *redis.Client // nil runs in single-instance mode; every lock acquires
	InstanceID         string        // defaults to a fresh uuid if empty
	DefaultConcurrency int
	MaxConcurrency     int
	LockLifetime       time.Duration
}

// Scheduler is the job runner described by C8.
type Scheduler struct {
	docs   store.Store
	locker *locker
	cron   cron.Parser

	maxConcurrency int
	lockLifetime   time.Duration
	sem            chan struct{}

	mu         sync.Mutex
	status     Status
	handlers   map[string]Handler
	gocron     gocron.Scheduler
	gocronJobs map[string]gocron.Job
	running    map[string]bool
}

// New constructs a Scheduler bound to cfg. It does not start dispatching;
// call Start for that.
func New(cfg Config) (*Scheduler, error) {
	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("scheduler: create gocron scheduler: %w", err)
	}

	owner := cfg.InstanceID
	if owner == "" {
		owner = uuid.NewString()
	}

	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = cfg.DefaultConcurrency
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	lockLifetime := cfg.LockLifetime
	if lockLifetime <= 0 {
		lockLifetime = 5 * time.Minute
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	return &Scheduler{
		docs:           cfg.Docs,
		locker:         newLocker(cfg.Redis, owner),
		cron:           parser,
		maxConcurrency: maxConcurrency,
		lockLifetime:   lockLifetime,
		sem:            make(chan struct{}, maxConcurrency),
		status:         StatusIdle,
		handlers:       make(map[string]Handler),
		gocron:         sched,
		gocronJobs:     make(map[string]gocron.Job),
		running:        make(map[string]bool),
	}, nil
}

// Start registers handlers, reloads every persisted job, and begins
// dispatching due work. Idempotent while already running; on error it
// leaves the scheduler idle with no jobs registered.
func (s *Scheduler) Start(ctx context.Context, handlers map[string]Handler) error {
	s.mu.Lock()
	if s.status == StatusRunning {
		s.mu.Unlock()
		return nil
	}
	s.handlers = handlers
	s.mu.Unlock()

	docs, err := s.docs.ListCollection(ctx, store.Agenda, nil, 0, nil)
	if err != nil {
		return fmt.Errorf("scheduler: load persisted jobs: %w", err)
	}

	for _, doc := range docs {
		job, err := jobFromDoc(doc)
		if err != nil {
			log.Printf("scheduler: skipping malformed job %v: %v", doc["id"], err)
			continue
		}
		if err := s.registerGocronJob(job); err != nil {
			log.Printf("scheduler: skipping job %s on reload: %v", job.ID, err)
		}
	}

	s.gocron.Start()

	s.mu.Lock()
	s.status = StatusRunning
	s.mu.Unlock()
	return nil
}

// Stop drains the gocron scheduler (no new firings start; in-flight
// handlers are allowed to finish) and returns to idle.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.status != StatusRunning {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusStopping
	s.mu.Unlock()

	err := s.gocron.Shutdown()

	s.mu.Lock()
	s.status = StatusIdle
	s.mu.Unlock()
	return err
}

// Schedule persists a one-shot job and, if the scheduler is running,
// registers it for dispatch immediately.
func (s *Scheduler) Schedule(ctx context.Context, name string, runAt time.Time, data map[string]any) (string, error) {
	job := models.Job{
		ID:        uuid.NewString(),
		Name:      name,
		RunAt:     runAt.UnixMilli(),
		Data:      data,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := s.persist(ctx, job, ""); err != nil {
		return "", err
	}
	if s.isRunning() {
		if err := s.registerGocronJob(job); err != nil {
			log.Printf("scheduler: registering job %s: %v", job.ID, err)
		}
	}
	return job.ID, nil
}

// Reschedule overwrites name/data/runAt for an existing, non-executing
// one-shot job and re-registers it.
func (s *Scheduler) Reschedule(ctx context.Context, id, name string, runAt time.Time, data map[string]any) (bool, error) {
	job, err := s.getLiveJob(ctx, id)
	if err != nil || job == nil {
		return false, err
	}

	job.Name = name
	job.RunAt = runAt.UnixMilli()
	job.Data = data
	if err := s.persist(ctx, *job, ""); err != nil {
		return false, err
	}

	s.unregister(id)
	if s.isRunning() {
		if err := s.registerGocronJob(*job); err != nil {
			log.Printf("scheduler: re-registering job %s: %v", job.ID, err)
		}
	}
	return true, nil
}

// ScheduleEvery persists a recurring job. If unique is non-nil and a job
// with the same unique key already exists, no new record is created and
// the existing job's id is returned (collapse).
func (s *Scheduler) ScheduleEvery(ctx context.Context, name string, runAt time.Time, interval string, data, unique map[string]any) (string, error) {
	hash, err := uniqueHash(unique)
	if err != nil {
		return "", fmt.Errorf("scheduler: hash unique key: %w", err)
	}

	if hash != "" {
		if existing, err := s.findByUniqueHash(ctx, hash); err != nil {
			return "", err
		} else if existing != "" {
			return existing, nil
		}
	}

	job := models.Job{
		ID:        uuid.NewString(),
		Name:      name,
		RunAt:     runAt.UnixMilli(),
		Data:      data,
		Interval:  interval,
		Unique:    unique,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := s.persist(ctx, job, hash); err != nil {
		return "", err
	}
	if s.isRunning() {
		if err := s.registerGocronJob(job); err != nil {
			log.Printf("scheduler: registering recurring job %s: %v", job.ID, err)
		}
	}
	return job.ID, nil
}

// RescheduleEvery updates a recurring job's fields, including its interval,
// and re-registers it, following the same non-executing precondition as
// Reschedule.
func (s *Scheduler) RescheduleEvery(ctx context.Context, id, name string, runAt time.Time, interval string, data map[string]any) (bool, error) {
	job, err := s.getLiveJob(ctx, id)
	if err != nil || job == nil {
		return false, err
	}

	job.Name = name
	job.RunAt = runAt.UnixMilli()
	job.Data = data
	job.Interval = interval

	hash, _ := uniqueHash(job.Unique)
	if err := s.persist(ctx, *job, hash); err != nil {
		return false, err
	}

	s.unregister(id)
	if s.isRunning() {
		if err := s.registerGocronJob(*job); err != nil {
			log.Printf("scheduler: re-registering recurring job %s: %v", job.ID, err)
		}
	}
	return true, nil
}

// Cancel deletes a job that is not currently executing, removing it from
// both persistence and the live gocron scheduler.
func (s *Scheduler) Cancel(ctx context.Context, id string) (bool, error) {
	job, err := s.getLiveJob(ctx, id)
	if err != nil || job == nil {
		return false, err
	}

	if err := s.docs.DeleteEntity(ctx, store.Agenda, id); err != nil {
		return false, fmt.Errorf("scheduler: delete job %s: %w", id, err)
	}
	s.unregister(id)
	return true, nil
}

// GetJob returns a persisted job by id, or nil if it does not exist.
func (s *Scheduler) GetJob(ctx context.Context, id string) (*models.Job, error) {
	docs, err := s.docs.ListCollection(ctx, store.Agenda, map[string]any{"id": id}, 1, nil)
	if err != nil {
		return nil, fmt.Errorf("scheduler: get job %s: %w", id, err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	job, err := jobFromDoc(docs[0])
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns every persisted job matching filter (an equality filter
// over the job's document fields; nil lists everything).
func (s *Scheduler) ListJobs(ctx context.Context, filter map[string]any) ([]models.Job, error) {
	docs, err := s.docs.ListCollection(ctx, store.Agenda, filter, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list jobs: %w", err)
	}
	out := make([]models.Job, 0, len(docs))
	for _, d := range docs {
		job, err := jobFromDoc(d)
		if err != nil {
			log.Printf("scheduler: skipping malformed job %v in list: %v", d["id"], err)
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *Scheduler) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusRunning
}

// getLiveJob loads id and returns nil (not false+error) if it does not
// exist or is currently executing its handler, matching the "exists and is
// not currently running" precondition reschedule/cancel share.
func (s *Scheduler) getLiveJob(ctx context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	executing := s.running[id]
	s.mu.Unlock()
	if executing {
		return nil, nil
	}
	return s.GetJob(ctx, id)
}

func (s *Scheduler) persist(ctx context.Context, job models.Job, uniqueHash string) error {
	doc := map[string]any{
		"name":      job.Name,
		"runAt":     job.RunAt,
		"data":      job.Data,
		"interval":  job.Interval,
		"unique":    job.Unique,
		"createdAt": job.CreatedAt,
	}
	if uniqueHash != "" {
		doc["uniqueKeyHash"] = uniqueHash
	}
	if err := s.docs.UpsertEntity(ctx, store.Agenda, job.ID, doc); err != nil {
		return fmt.Errorf("scheduler: persist job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Scheduler) findByUniqueHash(ctx context.Context, hash string) (string, error) {
	docs, err := s.docs.ListCollection(ctx, store.Agenda, map[string]any{"uniqueKeyHash": hash}, 1, nil)
	if err != nil {
		return "", fmt.Errorf("scheduler: find by unique key: %w", err)
	}
	if len(docs) == 0 {
		return "", nil
	}
	id, _ := docs[0]["id"].(string)
	return id, nil
}

func (s *Scheduler) unregister(id string) {
	s.mu.Lock()
	gJob, ok := s.gocronJobs[id]
	delete(s.gocronJobs, id)
	s.mu.Unlock()

	if ok {
		if err := s.gocron.RemoveJob(gJob.ID()); err != nil {
			log.Printf("scheduler: removing job %s from gocron: %v", id, err)
		}
	}
}

// registerGocronJob registers job with the underlying gocron scheduler, per
// §4.5: a cron-parseable Interval dispatches via CronJob, a plain duration
// via DurationJob, and a job with no Interval is a one-time job. The first
// firing for a recurring job is never immediate; it fires at RunAt and
// repeats from there.
func (s *Scheduler) registerGocronJob(job models.Job) error {
	startAt := time.UnixMilli(job.RunAt)
	// gocron rejects start times already in the past, so a RunAt that has
	// gone by (a job reloaded by Start, or scheduled for "now") is moved to
	// one second after registration.
	if now := time.Now(); !startAt.After(now) {
		startAt = now.Add(time.Second)
	}

	var def gocron.JobDefinition
	switch {
	case job.Interval == "":
		def = gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(startAt))
	case s.isCronExpression(job.Interval):
		def = gocron.CronJob(job.Interval, false)
	default:
		dur, err := time.ParseDuration(job.Interval)
		if err != nil {
			return fmt.Errorf("interval %q is neither a cron expression nor a duration: %w", job.Interval, err)
		}
		def = gocron.DurationJob(dur)
	}

	task := gocron.NewTask(func() { s.dispatch(job) })

	opts := []gocron.JobOption{gocron.WithName(job.ID)}
	if job.Interval != "" {
		opts = append(opts, gocron.WithStartAt(gocron.WithStartDateTime(startAt)))
	}

	gJob, err := s.gocron.NewJob(def, task, opts...)
	if err != nil {
		return fmt.Errorf("scheduler: register job %s with gocron: %w", job.ID, err)
	}

	s.mu.Lock()
	s.gocronJobs[job.ID] = gJob
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) isCronExpression(interval string) bool {
	_, err := s.cron.Parse(interval)
	return err == nil
}

// dispatch runs one firing of job under a concurrency limit and a per-job
// Redis lock, so that at most one server instance executes a given firing
// even when several instances hold the same persisted job set.
func (s *Scheduler) dispatch(job models.Job) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	default:
		log.Printf("scheduler: job %s dropped, at max concurrency (%d)", job.ID, s.maxConcurrency)
		return
	}

	ctx := context.Background()
	lockKey := "scheduler-lock:" + job.ID

	acquired, err := s.locker.acquire(ctx, lockKey, s.lockLifetime)
	if err != nil {
		log.Printf("scheduler: lock job %s: %v", job.ID, err)
		return
	}
	if !acquired {
		log.Printf("scheduler: job %s already running on another instance, skipping", job.ID)
		return
	}
	defer s.locker.release(ctx, lockKey)

	s.mu.Lock()
	s.running[job.ID] = true
	handler, ok := s.handlers[job.Name]
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, job.ID)
		s.mu.Unlock()
	}()

	if !ok {
		log.Printf("scheduler: no handler registered for job %s (name %q)", job.ID, job.Name)
		return
	}

	if err := handler(ctx, job); err != nil {
		log.Printf("scheduler: job %s (%s) failed: %v", job.ID, job.Name, err)
		return
	}

	if job.Interval == "" {
		if err := s.docs.DeleteEntity(ctx, store.Agenda, job.ID); err != nil {
			log.Printf("scheduler: removing completed one-shot job %s: %v", job.ID, err)
		}
		s.mu.Lock()
		delete(s.gocronJobs, job.ID)
		s.mu.Unlock()
	}
}

func jobFromDoc(doc map[string]any) (models.Job, error) {
	id, _ := doc["id"].(string)
	if id == "" {
		return models.Job{}, fmt.Errorf("job document missing id")
	}
	job := models.Job{
		ID:        id,
		Name:      stringField(doc, "name"),
		RunAt:     int64Field(doc, "runAt"),
		Interval:  stringField(doc, "interval"),
		CreatedAt: int64Field(doc, "createdAt"),
	}
	if data, ok := doc["data"].(map[string]any); ok {
		job.Data = data
	}
	if unique, ok := doc["unique"].(map[string]any); ok {
		job.Unique = unique
	}
	return job, nil
}

func stringField(doc map[string]any, key string) string {
	v, _ := doc[key].(string)
	return v
}

func int64Field(doc map[string]any, key string) int64 {
	switch v := doc[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// uniqueHash deterministically hashes a unique key map. encoding/json sorts
// map keys when marshaling, so equal maps always produce the same hash
// regardless of iteration order. Returns "" for a nil/empty map.
func uniqueHash(unique map[string]any) (string, error) {
	if len(unique) == 0 {
		return "", nil
	}
	data, err := json.Marshal(unique)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
