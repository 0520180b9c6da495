package contacts

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Daskott/vigil/docstore"
	"github.com/Daskott/vigil/server/models"
	"github.com/Daskott/vigil/server/relations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var engineTestNow = time.Date(2022, 3, 14, 12, 0, 0, 0, time.UTC)

func testNow() time.Time { return engineTestNow }

func seedUserDoc(t *testing.T, store docstore.Store, id, name, qrCode string, inlineShape bool) {
	t.Helper()

	contactsField := `"contacts": []`
	if !inlineShape {
		contactsField = `"contacts": null`
	}

	data := fmt.Sprintf(`{
		"uid": %q,
		"name": %q,
		"phoneNumber": "+12345678900",
		"qrCodeId": %q,
		"checkInInterval": 86400,
		"lastCheckedIn": "2022-03-14T10:00:00Z",
		%v
	}`, id, name, qrCode, contactsField)

	require.Nil(t, store.Set(context.Background(), docstore.UsersCollection, id, []byte(data)))
	require.Nil(t, store.Set(context.Background(), docstore.QRCodesCollection, id,
		[]byte(fmt.Sprintf(`{"qrCodeId": %q, "updatedAt": "2022-03-14T10:00:00Z"}`, qrCode))))
}

// newTestEngine wires an engine against the real relation functions over an
// in-memory store
func newTestEngine(t *testing.T, userID string) (*Engine, *docstore.MemoryStore) {
	t.Helper()

	store := docstore.NewMemoryStore()
	relationService := relations.NewService(store, testNow)
	engine := NewEngine(userID, store, relationService, models.NewContactStore(testNow), testNow)

	return engine, store
}

// fakeRelations records calls & returns injected errors, for partial
// failure scenarios the real service can't produce on demand
type fakeRelations struct {
	updateRolesErr    error
	deleteErr         error
	updateRelationErr map[string]error // by contactRefPath

	updatedRoles    []string
	deleted         []string
	updatedRelation []string
	syncedUsers     []string
}

func (f *fakeRelations) CreateRelation(ctx context.Context, userID, targetID string, isResponder, isDependent bool) error {
	return nil
}

func (f *fakeRelations) UpdateRoles(ctx context.Context, userRefPath, contactRefPath string, isResponder, isDependent bool) error {
	f.updatedRoles = append(f.updatedRoles, contactRefPath)
	return f.updateRolesErr
}

func (f *fakeRelations) DeleteRelation(ctx context.Context, userRefPath, contactRefPath string) error {
	f.deleted = append(f.deleted, contactRefPath)
	return f.deleteErr
}

func (f *fakeRelations) UpdateRelation(ctx context.Context, userRefPath, contactRefPath string, update models.RelationUpdate) error {
	f.updatedRelation = append(f.updatedRelation, contactRefPath)
	return f.updateRelationErr[contactRefPath]
}

func (f *fakeRelations) SyncUserCacheFields(ctx context.Context, userID string) error {
	f.syncedUsers = append(f.syncedUsers, userID)
	return nil
}

func newFakeEngine(fake *fakeRelations) *Engine {
	return NewEngine("a", docstore.NewMemoryStore(), fake, models.NewContactStore(testNow), testNow)
}

func TestLoadContactsPrefersInlineArray(t *testing.T) {
	engine, store := newTestEngine(t, "a")
	ctx := context.Background()

	// Inline array with one contact...
	data := `{
		"uid": "a", "name": "harvey", "phoneNumber": "+12345678900",
		"contacts": [{"referencePath": "users/b", "isResponder": true, "name": "mike"}]
	}`
	require.Nil(t, store.Set(ctx, docstore.UsersCollection, "a", []byte(data)))

	// ...and a stray subcollection doc that must NOT be consulted
	require.Nil(t, store.Set(ctx, models.ContactsCollectionFor("a"), "c",
		[]byte(`{"referencePath": "users/c", "isDependent": true}`)))

	loaded, err := engine.LoadContacts(ctx)
	require.Nil(t, err)

	assert.Len(t, loaded, 1)
	assert.Equal(t, "b", loaded[0].ID)
}

func TestLoadContactsSubcollectionFallback(t *testing.T) {
	engine, store := newTestEngine(t, "a")
	ctx := context.Background()

	seedUserDoc(t, store, "a", "harvey", "qr-a", false)

	require.Nil(t, store.Set(ctx, models.ContactsCollectionFor("a"), "b",
		[]byte(`{"referencePath": "users/b", "isResponder": true}`)))
	require.Nil(t, store.Set(ctx, models.ContactsCollectionFor("a"), "c",
		[]byte(`{"referencePath": "users/c", "isDependent": true}`)))
	require.Nil(t, store.Set(ctx, models.ContactsCollectionFor("a"), models.PLACEHOLDER_DOC_ID,
		[]byte(`{"placeholder": true}`)))

	loaded, err := engine.LoadContacts(ctx)
	require.Nil(t, err)

	assert.Len(t, loaded, 2, "The placeholder housekeeping doc must never surface as a contact")
}

func TestAddContact(t *testing.T) {
	engine, store := newTestEngine(t, "a")
	ctx := context.Background()

	seedUserDoc(t, store, "a", "harvey", "qr-a", true)
	seedUserDoc(t, store, "b", "mike", "abc123", true)

	contact, err := engine.AddContact(ctx, "abc123", true, false)
	require.Nil(t, err)

	assert.Equal(t, "b", contact.ID)
	assert.True(t, contact.IsResponder)
	assert.False(t, contact.IsDependent)

	localStore := engine.ContactStore()
	assert.Len(t, localStore.All(), 1)
	assert.Equal(t, 0, localStore.PendingPingsCount(), "A fresh contact carries no incoming ping")
}

func TestAddContactAlreadyExists(t *testing.T) {
	engine, store := newTestEngine(t, "a")
	ctx := context.Background()

	seedUserDoc(t, store, "a", "harvey", "qr-a", true)
	seedUserDoc(t, store, "b", "mike", "abc123", true)

	_, err := engine.AddContact(ctx, "abc123", true, false)
	require.Nil(t, err)

	contact, err := engine.AddContact(ctx, "abc123", true, false)
	assert.True(t, docstore.IsAlreadyExists(err), "Re-adding should surface the friendly already_exists outcome, got: %v", err)
	assert.NotNil(t, contact, "The existing contact is still handed back")
	assert.Len(t, engine.ContactStore().All(), 1)
}

func TestAddContactUnknownQRCode(t *testing.T) {
	engine, store := newTestEngine(t, "a")
	ctx := context.Background()

	seedUserDoc(t, store, "a", "harvey", "qr-a", true)

	_, err := engine.AddContact(ctx, "nope", true, false)
	assert.True(t, docstore.IsNotFound(err))
	assert.Empty(t, engine.ContactStore().All(), "A failed QR lookup must abort before any mutation")
}

func TestUpdateContactRoleOptimisticNoRollback(t *testing.T) {
	fake := &fakeRelations{updateRolesErr: docstore.NewError(docstore.ErrNetwork, "remote unavailable")}
	engine := newFakeEngine(fake)

	engine.ContactStore().Upsert(models.ContactRef{
		ID: "b", ReferencePath: "users/b", IsResponder: true,
	})

	contact, _ := engine.ContactStore().Get("b")
	err := engine.UpdateContactRole(context.Background(), contact, false, true)
	assert.Equal(t, docstore.ErrNetwork, docstore.KindOf(err), "The remote failure surfaces to the caller")

	// ...but the optimistic local state stays
	updated, _ := engine.ContactStore().Get("b")
	assert.False(t, updated.IsResponder)
	assert.True(t, updated.IsDependent)
}

func TestRemoveContactLocalFirstWithGapRetry(t *testing.T) {
	fake := &fakeRelations{deleteErr: docstore.NewError(docstore.ErrNetwork, "remote unavailable")}
	engine := newFakeEngine(fake)

	engine.ContactStore().Upsert(models.ContactRef{ID: "b", ReferencePath: "users/b", IsResponder: true})

	contact, _ := engine.ContactStore().Get("b")
	err := engine.RemoveContact(context.Background(), contact)
	assert.NotNil(t, err)

	_, stillThere := engine.ContactStore().Get("b")
	assert.False(t, stillThere, "The local removal stands even when the remote deletion fails")
	assert.Equal(t, 1, engine.PendingReconciliationGaps())

	// Once the remote comes back, the retry pass closes the gap
	fake.deleteErr = nil
	engine.RetryReconciliationGaps(context.Background())

	assert.Equal(t, 0, engine.PendingReconciliationGaps())
	assert.Len(t, fake.deleted, 2)
}

func TestRemoveContactUnresolvableReference(t *testing.T) {
	fake := &fakeRelations{}
	engine := newFakeEngine(fake)

	engine.ContactStore().Upsert(models.ContactRef{ID: "b", ReferencePath: "groups/b", IsResponder: true})

	contact, _ := engine.ContactStore().Get("b")
	err := engine.RemoveContact(context.Background(), contact)
	assert.Nil(t, err, "An unresolvable target is locally successful, logged as a gap")

	_, stillThere := engine.ContactStore().Get("b")
	assert.False(t, stillThere)
	assert.Empty(t, fake.deleted, "No remote deletion can be attempted without a resolvable target")
}

func TestWatchAppliesRemoteChanges(t *testing.T) {
	engine, store := newTestEngine(t, "a")

	seedUserDoc(t, store, "a", "harvey", "qr-a", false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.Nil(t, engine.Watch(ctx))

	require.Nil(t, store.Set(context.Background(), models.ContactsCollectionFor("a"), "b",
		[]byte(`{"referencePath": "users/b", "isResponder": true, "hasPendingPing": true}`)))

	assert.Eventually(t, func() bool {
		contact, ok := engine.ContactStore().Get("b")
		return ok && contact.HasIncomingPing
	}, time.Second, 10*time.Millisecond, "A remote edge write should land in the local store, legacy-upgraded")

	require.Nil(t, store.Delete(context.Background(), models.ContactsCollectionFor("a"), "b"))

	assert.Eventually(t, func() bool {
		_, ok := engine.ContactStore().Get("b")
		return !ok
	}, time.Second, 10*time.Millisecond, "A remote edge deletion should evict the local entry")
}

func TestCheckInMirrorsToResponders(t *testing.T) {
	engine, store := newTestEngine(t, "a")
	ctx := context.Background()

	seedUserDoc(t, store, "a", "harvey", "qr-a", true)
	seedUserDoc(t, store, "b", "mike", "abc123", true)

	_, err := engine.AddContact(ctx, "abc123", true, false)
	require.Nil(t, err)

	checkedInAt, err := engine.CheckIn(ctx)
	require.Nil(t, err)
	assert.Equal(t, engineTestNow, checkedInAt)

	// b's cached edge should now carry a's fresh check-in
	doc, err := store.Get(ctx, docstore.UsersCollection, "b")
	require.Nil(t, err)

	user, err := models.DecodeUser(*doc)
	require.Nil(t, err)

	edges, err := user.ContactRefs()
	require.Nil(t, err)
	require.Len(t, edges, 1)
	assert.True(t, edges[0].LastCheckIn.Equal(engineTestNow))
}

func TestUpdateProfileClampsInterval(t *testing.T) {
	engine, store := newTestEngine(t, "a")
	ctx := context.Background()

	seedUserDoc(t, store, "a", "harvey", "qr-a", true)

	err := engine.UpdateProfile(ctx, map[string]interface{}{
		"checkInInterval": 60,
		"bogusField":      "dropped",
	})
	require.Nil(t, err)

	doc, err := store.Get(ctx, docstore.UsersCollection, "a")
	require.Nil(t, err)

	user, err := models.DecodeUser(*doc)
	require.Nil(t, err)
	assert.Equal(t, int64(models.DEFAULT_MIN_CHECK_IN_INTERVAL), user.CheckInInterval,
		"Intervals below the floor should clamp up")

	err = engine.UpdateProfile(ctx, map[string]interface{}{"bogusField": "only"})
	assert.Equal(t, docstore.ErrInvalidArgument, docstore.KindOf(err))
}

func TestConfiguredIntervalFloor(t *testing.T) {
	SetMinCheckInInterval(7200)
	t.Cleanup(func() { SetMinCheckInInterval(models.DEFAULT_MIN_CHECK_IN_INTERVAL) })

	store := docstore.NewMemoryStore()
	ctx := context.Background()

	user := models.User{ID: "a", Name: "harvey", PhoneNumber: "+12345678900", CheckInInterval: 3600}
	require.Nil(t, RegisterUser(ctx, store, &user))
	assert.Equal(t, int64(7200), user.CheckInInterval,
		"Registration should clamp to the configured floor, not the default one")

	engine := NewEngine("a", store, relations.NewService(store, testNow), models.NewContactStore(testNow), testNow)
	require.Nil(t, engine.UpdateProfile(ctx, map[string]interface{}{"checkInInterval": 600}))

	doc, err := store.Get(ctx, docstore.UsersCollection, "a")
	require.Nil(t, err)
	stored, err := models.DecodeUser(*doc)
	require.Nil(t, err)
	assert.Equal(t, int64(7200), stored.CheckInInterval)
}

func TestSetNotificationLeadTime(t *testing.T) {
	engine, store := newTestEngine(t, "a")
	ctx := context.Background()

	seedUserDoc(t, store, "a", "harvey", "qr-a", true)

	require.Nil(t, engine.SetNotificationLeadTime(ctx, 120))

	doc, err := store.Get(ctx, docstore.UsersCollection, "a")
	require.Nil(t, err)
	user, err := models.DecodeUser(*doc)
	require.Nil(t, err)

	assert.False(t, user.Notify30MinBefore)
	assert.True(t, user.Notify2HoursBefore)

	err = engine.SetNotificationLeadTime(ctx, 45)
	assert.Equal(t, docstore.ErrInvalidArgument, docstore.KindOf(err))
}
