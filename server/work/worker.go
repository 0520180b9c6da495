package work

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Daskott/vigil/colors"
	"github.com/Daskott/vigil/server/logger"
	"github.com/google/uuid"
)

const (
	ENQUEUED_JOB    = "enqueued"
	IN_PROGRESS_JOB = "in-progress"
	SUCCESSFUL_JOB  = "successful"
	DEAD_JOB        = "dead"
	MAX_FAILS       = 4
)

var (
	DefaultTickerDuration = 5 * time.Millisecond
	TickerDurationOnError = 10 * time.Millisecond

	ErrDuplicateHandler = errors.New("handler with provided name already mapped")

	logg = logger.NewLogger()
)

type JobParams struct {
	Name    string
	Handler string
	Unique  bool
	Args    map[string]interface{}
}

type Handler func(map[string]interface{}) error

type worker struct {
	id                     string
	jobs                   *jobStore
	handlers               map[string]Handler
	stopChan               chan struct{}
	sleepBackoffsInSeconds []int64
}

func newWorker(jobs *jobStore, sleepBackoffsInSeconds []int64) *worker {
	return &worker{
		id:                     uuid.NewString()[:8],
		jobs:                   jobs,
		handlers:               make(map[string]Handler),
		stopChan:               make(chan struct{}),
		sleepBackoffsInSeconds: sleepBackoffsInSeconds,
	}
}

// registerHandler binds a name to a job handler.
func (w *worker) registerHandler(name string, handler Handler) error {
	if _, ok := w.handlers[name]; ok {
		return ErrDuplicateHandler
	}

	w.handlers[name] = handler

	return nil
}

// start starts the worker loop that pulls jobs from the queue & processes them
func (w *worker) start() {
	go w.loop()
}

func (w *worker) stop() {
	w.stopChan <- struct{}{}
}

func (w *worker) loop() {
	var consecutiveNoJobs int64
	ctx := context.Background()

	sleepBackoffs := w.sleepBackoffsInSeconds
	rateLimiter := time.NewTicker(DefaultTickerDuration)
	defer rateLimiter.Stop()

	logg.Infof("Starting worker %s", w.id)
	for {
		select {
		case <-w.stopChan:
			logg.Infof("Stopping worker %s", w.id)
			return
		case <-rateLimiter.C:
			currentJob, err := w.jobs.nextEnqueuedJob(ctx)
			if err != nil {
				if errors.Is(err, errNoJob) {
					// If no job found, slowly increase the wait time between each job fetch
					// using 'sleepBackoffsInSeconds'. To reduce store hits when it's not necessary.
					consecutiveNoJobs++
					idx := consecutiveNoJobs
					if idx >= int64(len(sleepBackoffs)) {
						idx = int64(len(sleepBackoffs)) - 1
					}
					rateLimiter.Reset(time.Duration(sleepBackoffs[idx]) * time.Second)
					continue
				}

				w.logError(err)
				rateLimiter.Reset(TickerDurationOnError)
				continue
			}

			claimed, err := w.jobs.claimJob(ctx, currentJob.ID)
			if err != nil {
				w.logError(err)
				rateLimiter.Reset(TickerDurationOnError)
				continue
			}

			if !claimed {
				continue
			}

			w.processJob(ctx, currentJob)
			rateLimiter.Reset(DefaultTickerDuration)
			consecutiveNoJobs = 0
		}
	}
}

func (w *worker) processJob(ctx context.Context, job *Job) {
	handler, ok := w.handlers[job.Handler]
	if !ok {
		w.determineFailedJobFate(ctx, job, fmt.Errorf("no handler mapped for %q", job.Handler))
		return
	}

	args := make(map[string]interface{})
	if job.Args != "" {
		if err := json.Unmarshal([]byte(job.Args), &args); err != nil {
			w.logError(err)
			w.determineFailedJobFate(ctx, job, err)
			return
		}
	}

	if err := handler(args); err != nil {
		w.logError(err)
		w.determineFailedJobFate(ctx, job, err)
		return
	}
	w.markJobAsSuccessful(ctx, job)
}

func (w *worker) determineFailedJobFate(ctx context.Context, job *Job, runError error) {
	job.Fails++

	// For a job with Fails >= MAX_FAILS mark as dead, else requeue it to be retried
	status := ENQUEUED_JOB
	if job.Fails >= MAX_FAILS {
		status = DEAD_JOB
	}

	err := w.jobs.updateJob(ctx, job.ID, map[string]interface{}{
		"claimed":   false,
		"status":    status,
		"fails":     job.Fails,
		"lastError": runError.Error(),
	})
	if err != nil {
		w.logError(err)
	}
	w.logInfof("job %v(%v) completed with status=%v", job.Name, job.ID, status)
}

func (w *worker) markJobAsSuccessful(ctx context.Context, job *Job) {
	err := w.jobs.updateJob(ctx, job.ID, map[string]interface{}{
		"claimed": false,
		"status":  SUCCESSFUL_JOB,
	})
	if err != nil {
		w.logError(err)
	}
	w.logInfof("job %v(%v) completed with status=%v", job.Name, job.ID, SUCCESSFUL_JOB)
}

func (w *worker) logInfof(template string, args ...interface{}) {
	prefix := colors.Yellow(fmt.Sprintf("[worker %v] ", w.id))
	logg.Infof(prefix+template, args...)
}

func (w *worker) logError(args ...interface{}) {
	prefix := colors.Red(fmt.Sprintf("[worker %v] ", w.id))
	logg.Error(append([]interface{}{prefix}, args...)...)
}
