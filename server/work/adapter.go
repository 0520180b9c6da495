package work

import (
	"context"
	"errors"
	"fmt"

	"github.com/Daskott/vigil/docstore"
	"github.com/Daskott/vigil/server/cron"
	"github.com/go-co-op/gocron"
)

const MAX_CONCURRENCY = 1

// WorkerPoolAdapter glues the cron scheduler to the worker pool, so
// periodic work & one-off work go through the same durable queue
type WorkerPoolAdapter struct {
	cronScheduler *gocron.Scheduler
	pool          *WorkerPool
}

func NewWorkerAdapter(store docstore.Store, timeZone string) *WorkerPoolAdapter {
	return &WorkerPoolAdapter{
		cronScheduler: cron.NewCronScheduler(timeZone),
		pool:          NewWorkerPool(store, MAX_CONCURRENCY),
	}
}

// Start starts the cron scheduler & worker pool
func (adapter *WorkerPoolAdapter) Start() {
	logg.Info("Starting cron scheduler & worker pool")
	adapter.cronScheduler.StartAsync()
	adapter.pool.start()
}

// Stop stops the cron scheduler & worker pool
func (adapter *WorkerPoolAdapter) Stop() {
	logg.Info("Stopping cron scheduler & worker pool")
	adapter.cronScheduler.Stop()
	adapter.pool.stop()
}

// Register binds a name to a handler.
func (adapter *WorkerPoolAdapter) Register(name string, handler Handler) error {
	return adapter.pool.registerHandler(name, handler)
}

// Perform sends a new job to the queue, now - to be executed as soon as a
// worker is available
func (adapter *WorkerPoolAdapter) Perform(job JobParams) error {
	err := adapter.pool.enqueue(context.Background(), job)
	if errors.Is(err, ErrDuplicateJob) {
		logg.Warnf("Duplicate job already in queue for: %v", job.Name)
		return nil
	}

	if err != nil {
		return fmt.Errorf("error enqueuing job: %v, %v", job.Name, err)
	}

	return nil
}

// PerformOnce enqueues the job unless a run with the same name has ever
// been recorded - completed runs included. Used for jobs keyed by a
// real-world occurrence, e.g. one alert per missed check-in window.
func (adapter *WorkerPoolAdapter) PerformOnce(job JobParams) error {
	err := adapter.pool.enqueueOnce(context.Background(), job)
	if errors.Is(err, ErrDuplicateJob) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("error enqueuing job: %v, %v", job.Name, err)
	}

	return nil
}

// PeriodicallyPerform adds a job to the queue (to be executed)
// periodically, based on the 'cronExpression' provided
func (adapter *WorkerPoolAdapter) PeriodicallyPerform(cronExpression string, job JobParams) error {
	_, err := adapter.cronScheduler.Cron(cronExpression).Tag(job.Name).
		Do(
			func(job JobParams) {
				err := adapter.Perform(job)
				if err != nil {
					logg.Error(err)
				}
			},
			job,
		)

	return err
}

func (adapter *WorkerPoolAdapter) RemovePeriodicJob(jobName string) {
	adapter.cronScheduler.RemoveByTag(jobName)
}
