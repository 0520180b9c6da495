package work

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/Daskott/vigil/docstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerform(t *testing.T) {
	workerPool := NewWorkerAdapter(docstore.NewMemoryStore(), "UTC")

	var ran int32
	require.Nil(t, workerPool.Register("mark_ran", func(m map[string]interface{}) error {
		atomic.StoreInt32(&ran, 1)
		return nil
	}))

	workerPool.Start()
	defer workerPool.Stop()

	err := workerPool.Perform(JobParams{
		Name:    "mark_ran",
		Handler: "mark_ran",
		Unique:  true,
		Args:    map[string]interface{}{},
	})
	assert.Nil(t, err)

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&ran) == 1
	}, 2*time.Second, 10*time.Millisecond, "Expected the queued job to be executed")
}

func TestPerformDuplicateIsAbsorbed(t *testing.T) {
	workerPool := NewWorkerAdapter(docstore.NewMemoryStore(), "UTC")

	job := JobParams{Name: "once", Handler: "noop", Unique: true}
	require.Nil(t, workerPool.Perform(job))

	// A still-queued duplicate isn't an error; the caller shouldn't care
	assert.Nil(t, workerPool.Perform(job))
}

func TestPerformOnceBlocksCompletedRuns(t *testing.T) {
	store := docstore.NewMemoryStore()
	workerPool := NewWorkerAdapter(store, "UTC")

	var runs int32
	require.Nil(t, workerPool.Register("count", func(m map[string]interface{}) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}))

	workerPool.Start()
	defer workerPool.Stop()

	job := JobParams{Name: "count/window-1", Handler: "count"}
	require.Nil(t, workerPool.PerformOnce(job))

	assert.Eventually(t, func() bool {
		return jobByID(t, store, "count/window-1").Status == SUCCESSFUL_JOB
	}, 2*time.Second, 10*time.Millisecond)

	// Re-enqueueing after the run completed is silently dropped
	require.Nil(t, workerPool.PerformOnce(job))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}
