package models

import (
	"sync"
	"time"
)

// ContactStore is the in-memory contact set for the current user. Reads may
// be concurrent; every mutation is serialized behind the write lock, and the
// derived counters are recomputed before the lock is released so they can
// never be observed mid-drift.
//
// Only the sync engine & ping handler write to the store, and only through
// Upsert/Remove/Replace - entries handed out are copies, so callers cannot
// mutate the backing collection in place.
type ContactStore struct {
	mu       sync.RWMutex
	contacts []ContactRef
	index    map[string]int

	nonResponsiveDependents int
	pendingPings            int

	now func() time.Time

	listenersMu sync.Mutex
	listeners   []func()
}

// NewContactStore returns an empty store. 'now' feeds the non-responsive
// counter & may be nil outside of tests.
func NewContactStore(now func() time.Time) *ContactStore {
	if now == nil {
		now = time.Now
	}

	return &ContactStore{index: make(map[string]int), now: now}
}

// Upsert inserts or replaces a contact by id
func (store *ContactStore) Upsert(contact ContactRef) {
	store.mu.Lock()

	if pos, ok := store.index[contact.ID]; ok {
		store.contacts[pos] = contact
	} else {
		store.index[contact.ID] = len(store.contacts)
		store.contacts = append(store.contacts, contact)
	}

	store.recount()
	store.mu.Unlock()

	store.notifyListeners()
}

// Remove drops a contact by id. Removing an absent id is a no-op.
func (store *ContactStore) Remove(id string) {
	store.mu.Lock()

	pos, ok := store.index[id]
	if !ok {
		store.mu.Unlock()
		return
	}

	store.contacts = append(store.contacts[:pos], store.contacts[pos+1:]...)
	store.rebuildIndex()
	store.recount()
	store.mu.Unlock()

	store.notifyListeners()
}

// Replace swaps the entire contact set, e.g. after a remote reload
func (store *ContactStore) Replace(contacts []ContactRef) {
	store.mu.Lock()

	store.contacts = append([]ContactRef{}, contacts...)
	store.rebuildIndex()
	store.recount()
	store.mu.Unlock()

	store.notifyListeners()
}

// Get returns a copy of the contact with the given id
func (store *ContactStore) Get(id string) (ContactRef, bool) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	pos, ok := store.index[id]
	if !ok {
		return ContactRef{}, false
	}

	return store.contacts[pos], true
}

// All returns a copy of the contact set in insertion order
func (store *ContactStore) All() []ContactRef {
	store.mu.RLock()
	defer store.mu.RUnlock()

	return append([]ContactRef{}, store.contacts...)
}

// Responders returns the contacts with the responder role. A contact
// holding both roles shows up here and in Dependents.
func (store *ContactStore) Responders() []ContactRef {
	return store.filtered(func(contact *ContactRef) bool { return contact.IsResponder })
}

// Dependents returns the contacts with the dependent role
func (store *ContactStore) Dependents() []ContactRef {
	return store.filtered(func(contact *ContactRef) bool { return contact.IsDependent })
}

// NonResponsiveDependentsCount is the number of dependents that currently
// require attention(lapsed check-in or active manual alert)
func (store *ContactStore) NonResponsiveDependentsCount() int {
	store.mu.RLock()
	defer store.mu.RUnlock()

	return store.nonResponsiveDependents
}

// PendingPingsCount is the number of responders with an unanswered
// incoming ping
func (store *ContactStore) PendingPingsCount() int {
	store.mu.RLock()
	defer store.mu.RUnlock()

	return store.pendingPings
}

// OnChange registers a listener invoked after every store mutation.
// Listeners may read the store, so they're called outside the write lock.
func (store *ContactStore) OnChange(listener func()) {
	store.listenersMu.Lock()
	defer store.listenersMu.Unlock()

	store.listeners = append(store.listeners, listener)
}

// ---------------------------------------------------------------------------------//
// Helper functions
// --------------------------------------------------------------------------------//

func (store *ContactStore) filtered(include func(*ContactRef) bool) []ContactRef {
	store.mu.RLock()
	defer store.mu.RUnlock()

	matches := []ContactRef{}
	for i := range store.contacts {
		if include(&store.contacts[i]) {
			matches = append(matches, store.contacts[i])
		}
	}

	return matches
}

// recount recomputes the derived counters from scratch. Always called with
// the write lock held - incremental maintenance would be cheaper, but a
// stale counter is a correctness bug, so the recount keeps it honest.
func (store *ContactStore) recount() {
	now := store.now()

	nonResponsive := 0
	pendingPings := 0
	for i := range store.contacts {
		contact := &store.contacts[i]

		if contact.IsDependent && contact.RequiresAttention(now) {
			nonResponsive++
		}

		if contact.IsResponder && contact.HasIncomingPing {
			pendingPings++
		}
	}

	store.nonResponsiveDependents = nonResponsive
	store.pendingPings = pendingPings
}

func (store *ContactStore) rebuildIndex() {
	store.index = make(map[string]int, len(store.contacts))
	for i := range store.contacts {
		store.index[store.contacts[i].ID] = i
	}
}

func (store *ContactStore) notifyListeners() {
	store.listenersMu.Lock()
	listeners := append([]func(){}, store.listeners...)
	store.listenersMu.Unlock()

	for _, listener := range listeners {
		listener()
	}
}
