package contacts

import (
	"context"
	"testing"
	"time"

	"github.com/Daskott/vigil/docstore"
	"github.com/Daskott/vigil/server/models"
	"github.com/Daskott/vigil/server/relations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	sent      []string
	cancelled []string
}

func (f *fakeNotifier) SendManualAlert(ctx context.Context, userID string) error {
	f.sent = append(f.sent, userID)
	return nil
}

func (f *fakeNotifier) CancelManualAlert(ctx context.Context, userID string) error {
	f.cancelled = append(f.cancelled, userID)
	return nil
}

// failingUpdateStore rejects document updates, for persist-failure paths
type failingUpdateStore struct {
	docstore.Store
	err error
}

func (store *failingUpdateStore) Update(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	return store.err
}

func TestSetAlertPersistsAndNotifies(t *testing.T) {
	_, _, store := linkedEngines(t)
	ctx := context.Background()

	notifier := &fakeNotifier{}
	trigger := NewAlertTrigger("a", store, relations.NewService(store, testNow), notifier, testNow)

	require.Nil(t, trigger.SetAlert(ctx, true))

	assert.True(t, trigger.Active())
	assert.Equal(t, engineTestNow, trigger.RaisedAt())
	assert.Equal(t, []string{"a"}, notifier.sent)

	doc, err := store.Get(ctx, docstore.UsersCollection, "a")
	require.Nil(t, err)
	user, err := models.DecodeUser(*doc)
	require.Nil(t, err)

	assert.True(t, user.ManualAlertActive)
	require.NotNil(t, user.ManualAlertTimestamp)
	assert.True(t, user.ManualAlertTimestamp.Equal(engineTestNow))

	// The responder's cached edge mirrors the alert
	edgeBA := remoteEdge(t, store, "b", "a")
	assert.True(t, edgeBA.ManualAlertActive)
	assert.True(t, edgeBA.ManualAlertTimestamp.Equal(engineTestNow))
}

func TestSetAlertDeactivateClearsTimestamp(t *testing.T) {
	_, _, store := linkedEngines(t)
	ctx := context.Background()

	notifier := &fakeNotifier{}
	trigger := NewAlertTrigger("a", store, relations.NewService(store, testNow), notifier, testNow)

	require.Nil(t, trigger.SetAlert(ctx, true))
	require.Nil(t, trigger.SetAlert(ctx, false))

	assert.False(t, trigger.Active())
	assert.True(t, trigger.RaisedAt().IsZero())
	assert.Equal(t, []string{"a"}, notifier.cancelled)

	doc, err := store.Get(ctx, docstore.UsersCollection, "a")
	require.Nil(t, err)
	user, err := models.DecodeUser(*doc)
	require.Nil(t, err)

	assert.False(t, user.ManualAlertActive)
	assert.Nil(t, user.ManualAlertTimestamp)

	edgeBA := remoteEdge(t, store, "b", "a")
	assert.False(t, edgeBA.ManualAlertActive)
}

func TestSetAlertKeepsOriginalTimestampWhileActive(t *testing.T) {
	_, _, store := linkedEngines(t)
	ctx := context.Background()

	clock := engineTestNow
	now := func() time.Time { return clock }
	trigger := NewAlertTrigger("a", store, relations.NewService(store, testNow), &fakeNotifier{}, now)

	require.Nil(t, trigger.SetAlert(ctx, true))

	clock = clock.Add(time.Hour)
	require.Nil(t, trigger.SetAlert(ctx, true))

	assert.Equal(t, engineTestNow, trigger.RaisedAt(), "Re-activating must not refresh the alert timestamp")
}

func TestHydrateRestoresPersistedAlert(t *testing.T) {
	_, _, store := linkedEngines(t)
	ctx := context.Background()

	notifier := &fakeNotifier{}
	relationService := relations.NewService(store, testNow)

	trigger := NewAlertTrigger("a", store, relationService, notifier, testNow)
	require.Nil(t, trigger.SetAlert(ctx, true))

	// A new process builds a fresh trigger over the same store
	clock := engineTestNow.Add(2 * time.Hour)
	rebuilt := NewAlertTrigger("a", store, relationService, notifier, func() time.Time { return clock })
	require.Nil(t, rebuilt.Hydrate(ctx))

	assert.True(t, rebuilt.Active(), "A persisted alert must survive a restart")
	assert.True(t, rebuilt.RaisedAt().Equal(engineTestNow))

	// Re-raising on the rebuilt trigger keeps the original timestamp
	require.Nil(t, rebuilt.SetAlert(ctx, true))
	assert.True(t, rebuilt.RaisedAt().Equal(engineTestNow))

	doc, err := store.Get(ctx, docstore.UsersCollection, "a")
	require.Nil(t, err)
	user, err := models.DecodeUser(*doc)
	require.Nil(t, err)
	require.NotNil(t, user.ManualAlertTimestamp)
	assert.True(t, user.ManualAlertTimestamp.Equal(engineTestNow))
}

func TestSetAlertRollsBackOnPersistFailure(t *testing.T) {
	_, _, store := linkedEngines(t)
	ctx := context.Background()

	notifier := &fakeNotifier{}
	broken := &failingUpdateStore{Store: store, err: docstore.NewError(docstore.ErrNetwork, "remote unavailable")}
	trigger := NewAlertTrigger("a", broken, relations.NewService(store, testNow), notifier, testNow)

	err := trigger.SetAlert(ctx, true)
	assert.Equal(t, docstore.ErrNetwork, docstore.KindOf(err))

	assert.False(t, trigger.Active(), "A failed persist must not leave the user believing an alert is active")
	assert.True(t, trigger.RaisedAt().IsZero())
	assert.Empty(t, notifier.sent, "No fan-out for an alert that never persisted")

	doc, getErr := store.Get(ctx, docstore.UsersCollection, "a")
	require.Nil(t, getErr)
	user, decodeErr := models.DecodeUser(*doc)
	require.Nil(t, decodeErr)
	assert.False(t, user.ManualAlertActive)
}
