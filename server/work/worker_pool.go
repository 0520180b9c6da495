package work

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Daskott/vigil/docstore"
	"github.com/pkg/errors"
)

type WorkerPool struct {
	handlers    map[string]Handler
	workers     []*worker
	reaper      *stuckJobsReaper
	jobs        *jobStore
	concurrency int
	started     bool
}

func NewWorkerPool(store docstore.Store, concurrency int) *WorkerPool {
	jobs := newJobStore(store)

	wp := WorkerPool{
		handlers:    make(map[string]Handler),
		jobs:        jobs,
		reaper:      newStuckJobsReaper(jobs),
		concurrency: concurrency,
	}

	for i := 0; i < concurrency; i++ {
		wp.workers = append(wp.workers, newWorker(jobs, []int64{0, 10, 100, 120}))
	}

	return &wp
}

// registerHandler binds a name to a job handler for all workers in pool
func (wp *WorkerPool) registerHandler(name string, handler Handler) error {
	if _, ok := wp.handlers[name]; ok {
		return ErrDuplicateHandler
	}
	wp.handlers[name] = handler

	for _, worker := range wp.workers {
		err := worker.registerHandler(name, handler)

		// Only panic if we get an error that is unexpected i.e !ErrDuplicateHandler
		if err != nil && !errors.Is(err, ErrDuplicateHandler) {
			logg.Panic(err)
		}
	}
	return nil
}

// enqueue adds a job to the queue(to be executed) by writing a record
// based on the 'JobParams' provided
func (wp *WorkerPool) enqueue(ctx context.Context, job JobParams) error {
	argsAsJson, err := wp.validateJob(job)
	if err != nil {
		return err
	}

	if job.Unique {
		return wp.jobs.createUniqueJob(ctx, job.Name, job.Handler, argsAsJson)
	}

	return wp.jobs.createJob(ctx, job.Name, job.Handler, argsAsJson)
}

// enqueueOnce is like enqueue, but the job name may only ever run once
func (wp *WorkerPool) enqueueOnce(ctx context.Context, job JobParams) error {
	argsAsJson, err := wp.validateJob(job)
	if err != nil {
		return err
	}

	return wp.jobs.createJobOnce(ctx, job.Name, job.Handler, argsAsJson)
}

func (wp *WorkerPool) validateJob(job JobParams) (string, error) {
	if strings.TrimSpace(job.Name) == "" || strings.TrimSpace(job.Handler) == "" {
		return "", fmt.Errorf("both a name & handler is required for a job")
	}

	argsAsJson, err := json.Marshal(job.Args)
	if err != nil {
		return "", err
	}

	return string(argsAsJson), nil
}

// start starts all workers in pool i.e the workers can start processing jobs
func (wp *WorkerPool) start() {
	if wp.started {
		return
	}
	wp.started = true

	for _, worker := range wp.workers {
		worker.start()
	}
	wp.reaper.start()
}

// stop stops all workers in pool i.e jobs will stop being processed
func (wp *WorkerPool) stop() {
	if !wp.started {
		return
	}
	wp.started = false

	for _, worker := range wp.workers {
		worker.stop()
	}
	wp.reaper.stop()
}
