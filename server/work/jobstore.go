package work

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Daskott/vigil/docstore"
	"github.com/google/uuid"
)

const JOBS_COLLECTION = "jobs"

var (
	ErrDuplicateJob = errors.New("job with provided name already in queue")

	errNoJob = errors.New("no job in queue")
)

// Job is the persisted form of a queued unit of work
type Job struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Handler    string    `json:"handler"`
	Args       string    `json:"args"`
	Status     string    `json:"status"`
	Claimed    bool      `json:"claimed"`
	Fails      int       `json:"fails"`
	LastError  string    `json:"lastError,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// jobStore persists the job queue in the document store, so queued work
// survives a restart when the sqlite or redis backend is configured
type jobStore struct {
	store docstore.Store
	now   func() time.Time
}

func newJobStore(store docstore.Store) *jobStore {
	return &jobStore{store: store, now: time.Now}
}

// createUniqueJob enqueues a job keyed by its name - while a run with the
// same name is still enqueued or in progress, re-enqueueing is rejected
func (js *jobStore) createUniqueJob(ctx context.Context, name, handler, args string) error {
	doc, err := js.store.Get(ctx, JOBS_COLLECTION, name)
	if err != nil && !docstore.IsNotFound(err) {
		return err
	}

	if err == nil {
		existing := Job{}
		if err := json.Unmarshal(doc.Data, &existing); err != nil {
			return err
		}

		if existing.Status == ENQUEUED_JOB || existing.Status == IN_PROGRESS_JOB {
			return ErrDuplicateJob
		}
	}

	return js.writeJob(ctx, Job{ID: name, Name: name, Handler: handler, Args: args})
}

// createJobOnce enqueues a job keyed by its name at most once ever - a
// record in any state, a completed one included, blocks re-enqueueing
func (js *jobStore) createJobOnce(ctx context.Context, name, handler, args string) error {
	_, err := js.store.Get(ctx, JOBS_COLLECTION, name)
	if err == nil {
		return ErrDuplicateJob
	}
	if !docstore.IsNotFound(err) {
		return err
	}

	return js.writeJob(ctx, Job{ID: name, Name: name, Handler: handler, Args: args})
}

func (js *jobStore) createJob(ctx context.Context, name, handler, args string) error {
	return js.writeJob(ctx, Job{ID: uuid.NewString(), Name: name, Handler: handler, Args: args})
}

// nextEnqueuedJob returns an unclaimed job, or errNoJob
func (js *jobStore) nextEnqueuedJob(ctx context.Context) (*Job, error) {
	docs, err := js.store.Query(ctx, JOBS_COLLECTION,
		docstore.Filter{Field: "status", Value: ENQUEUED_JOB},
		docstore.Filter{Field: "claimed", Value: false},
	)
	if err != nil {
		return nil, err
	}

	if len(docs) == 0 {
		return nil, errNoJob
	}

	job := Job{}
	if err := json.Unmarshal(docs[0].Data, &job); err != nil {
		return nil, err
	}

	return &job, nil
}

// claimJob marks a job in-progress for this process. Claiming an
// already-claimed job reports false, so two workers won't run it.
func (js *jobStore) claimJob(ctx context.Context, id string) (bool, error) {
	doc, err := js.store.Get(ctx, JOBS_COLLECTION, id)
	if err != nil {
		return false, err
	}

	job := Job{}
	if err := json.Unmarshal(doc.Data, &job); err != nil {
		return false, err
	}

	if job.Claimed {
		return false, nil
	}

	err = js.updateJob(ctx, id, map[string]interface{}{
		"claimed": true,
		"status":  IN_PROGRESS_JOB,
	})
	if err != nil {
		return false, err
	}

	return true, nil
}

func (js *jobStore) updateJob(ctx context.Context, id string, fields map[string]interface{}) error {
	fields["updatedAt"] = js.now().Format(time.RFC3339Nano)
	return js.store.Update(ctx, JOBS_COLLECTION, id, fields)
}

// staleInProgressJobs returns in-progress jobs whose last update is older
// than the given age - casualties of a crashed or stopped worker
func (js *jobStore) staleInProgressJobs(ctx context.Context, olderThan time.Duration) ([]Job, error) {
	docs, err := js.store.Query(ctx, JOBS_COLLECTION,
		docstore.Filter{Field: "status", Value: IN_PROGRESS_JOB})
	if err != nil {
		return nil, err
	}

	cutOff := js.now().Add(-olderThan)

	stale := []Job{}
	for _, doc := range docs {
		job := Job{}
		if err := json.Unmarshal(doc.Data, &job); err != nil {
			return nil, err
		}

		if job.UpdatedAt.Before(cutOff) {
			stale = append(stale, job)
		}
	}

	return stale, nil
}

func (js *jobStore) writeJob(ctx context.Context, job Job) error {
	job.Status = ENQUEUED_JOB
	job.EnqueuedAt = js.now()
	job.UpdatedAt = job.EnqueuedAt

	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	return js.store.Set(ctx, JOBS_COLLECTION, job.ID, data)
}
