package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var storeTestNow = time.Date(2022, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestStore() *ContactStore {
	return NewContactStore(func() time.Time { return storeTestNow })
}

// recountFromScratch is the naive reference count the store's cached
// counters are checked against
func recountFromScratch(store *ContactStore) (nonResponsive, pendingPings int) {
	for _, contact := range store.All() {
		if contact.IsDependent && contact.RequiresAttention(storeTestNow) {
			nonResponsive++
		}
		if contact.IsResponder && contact.HasIncomingPing {
			pendingPings++
		}
	}
	return nonResponsive, pendingPings
}

func assertCountersConsistent(t *testing.T, store *ContactStore) {
	t.Helper()

	expectedNonResponsive, expectedPendingPings := recountFromScratch(store)
	assert.Equal(t, expectedNonResponsive, store.NonResponsiveDependentsCount(), "nonResponsiveDependentsCount drifted from recount")
	assert.Equal(t, expectedPendingPings, store.PendingPingsCount(), "pendingPingsCount drifted from recount")
}

func TestContactStoreUpsertAndViews(t *testing.T) {
	store := newTestStore()

	store.Upsert(ContactRef{ID: "1", IsResponder: true, Name: "harvey"})
	store.Upsert(ContactRef{ID: "2", IsDependent: true, Name: "mike", LastCheckIn: storeTestNow, Interval: 24 * time.Hour})
	store.Upsert(ContactRef{ID: "3", IsResponder: true, IsDependent: true, Name: "donna", LastCheckIn: storeTestNow, Interval: 24 * time.Hour})

	assert.Len(t, store.All(), 3)
	assert.Len(t, store.Responders(), 2)
	assert.Len(t, store.Dependents(), 2)

	// A contact holding both roles appears in both views
	assert.Equal(t, "donna", store.Responders()[1].Name)
	assert.Equal(t, "donna", store.Dependents()[1].Name)

	// Re-upserting the same id replaces, never duplicates
	store.Upsert(ContactRef{ID: "1", IsResponder: true, Name: "harvey specter"})
	assert.Len(t, store.All(), 3)

	contact, ok := store.Get("1")
	assert.True(t, ok)
	assert.Equal(t, "harvey specter", contact.Name)

	assertCountersConsistent(t, store)
}

func TestContactStoreRemove(t *testing.T) {
	store := newTestStore()

	store.Upsert(ContactRef{ID: "1", IsResponder: true, HasIncomingPing: true})
	store.Upsert(ContactRef{ID: "2", IsDependent: true})

	store.Remove("1")
	assert.Len(t, store.All(), 1)

	_, ok := store.Get("1")
	assert.False(t, ok)

	// Removing an absent id is a no-op, not an error
	store.Remove("nope")
	assert.Len(t, store.All(), 1)

	assertCountersConsistent(t, store)
}

func TestContactStoreCounters(t *testing.T) {
	store := newTestStore()

	// dependent that never checked in -> non-responsive right away
	store.Upsert(ContactRef{ID: "1", IsDependent: true})

	// dependent with a lapsed check-in
	store.Upsert(ContactRef{ID: "2", IsDependent: true,
		LastCheckIn: storeTestNow.Add(-90000 * time.Second), Interval: 86400 * time.Second})

	// dependent in good standing, but with an active manual alert
	store.Upsert(ContactRef{ID: "3", IsDependent: true,
		LastCheckIn: storeTestNow, Interval: 24 * time.Hour, ManualAlertActive: true})

	// dependent in good standing
	store.Upsert(ContactRef{ID: "4", IsDependent: true,
		LastCheckIn: storeTestNow, Interval: 24 * time.Hour})

	// responders, one with an incoming ping; the pinged one is not a dependent,
	// so it must not leak into the non-responsive count
	store.Upsert(ContactRef{ID: "5", IsResponder: true, HasIncomingPing: true})
	store.Upsert(ContactRef{ID: "6", IsResponder: true})

	assert.Equal(t, 3, store.NonResponsiveDependentsCount())
	assert.Equal(t, 1, store.PendingPingsCount())
	assertCountersConsistent(t, store)

	// Clearing the ping through an upsert updates the counter in the same mutation
	contact, _ := store.Get("5")
	contact.HasIncomingPing = false
	store.Upsert(contact)

	assert.Equal(t, 0, store.PendingPingsCount())
	assertCountersConsistent(t, store)

	store.Remove("3")
	assert.Equal(t, 2, store.NonResponsiveDependentsCount())
	assertCountersConsistent(t, store)
}

func TestContactStoreReplace(t *testing.T) {
	store := newTestStore()
	store.Upsert(ContactRef{ID: "1", IsResponder: true, HasIncomingPing: true})

	store.Replace([]ContactRef{
		{ID: "7", IsDependent: true},
		{ID: "8", IsResponder: true, HasIncomingPing: true},
	})

	assert.Len(t, store.All(), 2)
	_, ok := store.Get("1")
	assert.False(t, ok)

	assert.Equal(t, 1, store.NonResponsiveDependentsCount())
	assert.Equal(t, 1, store.PendingPingsCount())
	assertCountersConsistent(t, store)
}

func TestContactStoreOnChange(t *testing.T) {
	store := newTestStore()

	notified := 0
	store.OnChange(func() { notified++ })

	store.Upsert(ContactRef{ID: "1", IsResponder: true})
	store.Remove("1")
	store.Remove("1") // no-op removal, should not notify
	store.Replace([]ContactRef{})

	assert.Equal(t, 3, notified)
}
