package work

import (
	"context"
	"time"

	"github.com/Daskott/vigil/colors"
)

// maxInProgressAge is how long a claimed job may go without an update
// before the reaper assumes its worker died & requeues it
const maxInProgressAge = 30 * time.Minute

type stuckJobsReaper struct {
	jobs     *jobStore
	stopChan chan struct{}
}

func newStuckJobsReaper(jobs *jobStore) *stuckJobsReaper {
	return &stuckJobsReaper{
		jobs:     jobs,
		stopChan: make(chan struct{}),
	}
}

// start starts the reaper loop that pulls jobs from 'in-progress'
// that are stuck(i.e stayed too long in-progress) and requeues them
func (r *stuckJobsReaper) start() {
	go r.loop()
}

func (r *stuckJobsReaper) stop() {
	r.stopChan <- struct{}{}
}

func (r *stuckJobsReaper) loop() {
	ctx := context.Background()

	sleepBackOff := 30
	rateLimiter := time.NewTicker(DefaultTickerDuration)
	defer rateLimiter.Stop()

	logg.Infof("Starting job reaper")
	for {
		select {
		case <-r.stopChan:
			logg.Infof("Stopping job reaper")
			return
		case <-rateLimiter.C:
			stuckJobs, err := r.jobs.staleInProgressJobs(ctx, maxInProgressAge)
			if err != nil {
				r.logError(err)
				rateLimiter.Reset(TickerDurationOnError)
				continue
			}

			// If no stuck jobs found, sleep for 'sleepBackOff' minutes
			if len(stuckJobs) == 0 {
				rateLimiter.Reset(time.Duration(sleepBackOff) * time.Minute)
				continue
			}

			for i := range stuckJobs {
				r.requeue(ctx, &stuckJobs[i])
			}
			rateLimiter.Reset(DefaultTickerDuration)
		}
	}
}

func (r *stuckJobsReaper) requeue(ctx context.Context, job *Job) {
	err := r.jobs.updateJob(ctx, job.ID, map[string]interface{}{
		"claimed": false,
		"status":  ENQUEUED_JOB,
	})
	if err != nil {
		r.logError(err)
		return
	}

	r.logInfof("job %v(%v) requeued", job.Name, job.ID)
}

func (r *stuckJobsReaper) logInfof(template string, args ...interface{}) {
	prefix := colors.Yellow("[job reaper] ")
	logg.Infof(prefix+template, args...)
}

func (r *stuckJobsReaper) logError(args ...interface{}) {
	prefix := colors.Red("[job reaper] ")
	logg.Error(append([]interface{}{prefix}, args...)...)
}
