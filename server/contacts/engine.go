// Package contacts houses the synchronization engine that reconciles a
// user's in-memory contact set with the remote document store, plus the
// ping protocol handler & the manual alert trigger layered on top of it.
package contacts

import (
	"context"
	"sync"
	"time"

	"github.com/Daskott/vigil/docstore"
	"github.com/Daskott/vigil/server/logger"
	"github.com/Daskott/vigil/server/models"
)

var logg = logger.NewLogger()

// RelationFunctions are the server-side atomic relationship operations the
// engine relays mutations through. Injected so tests can fake partial
// failures.
type RelationFunctions interface {
	CreateRelation(ctx context.Context, userID, targetID string, isResponder, isDependent bool) error
	UpdateRoles(ctx context.Context, userRefPath, contactRefPath string, isResponder, isDependent bool) error
	DeleteRelation(ctx context.Context, userRefPath, contactRefPath string) error
	UpdateRelation(ctx context.Context, userRefPath, contactRefPath string, update models.RelationUpdate) error
	SyncUserCacheFields(ctx context.Context, userID string) error
}

// reconciliationGap records a remote deletion that failed after the local
// removal already went through. The watchdog retries these.
type reconciliationGap struct {
	userRefPath    string
	contactRefPath string
}

// Engine keeps one user's local ContactStore in sync with the remote
// document store. Local state is mutated optimistically; apart from the
// alert trigger, remote failures surface to the caller without rolling the
// local view back.
type Engine struct {
	userID    string
	store     docstore.Store
	relations RelationFunctions
	contacts  *models.ContactStore
	now       func() time.Time

	minCheckInInterval time.Duration

	gapsMu sync.Mutex
	gaps   []reconciliationGap
}

func NewEngine(userID string, store docstore.Store, relations RelationFunctions, contacts *models.ContactStore, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}

	return &Engine{
		userID:             userID,
		store:              store,
		relations:          relations,
		contacts:           contacts,
		now:                now,
		minCheckInInterval: time.Duration(minCheckInInterval) * time.Second,
	}
}

// ContactStore exposes the engine's local store for read access & observers
func (engine *Engine) ContactStore() *models.ContactStore {
	return engine.contacts
}

func (engine *Engine) UserID() string {
	return engine.userID
}

// LoadContacts reads the user's contact set from the remote store into the
// local one. The inline array on the user document is preferred; the
// per-contact subcollection is only consulted when the array field is
// absent, and the placeholder housekeeping doc never surfaces.
func (engine *Engine) LoadContacts(ctx context.Context) ([]models.ContactRef, error) {
	doc, err := engine.store.Get(ctx, docstore.UsersCollection, engine.userID)
	if err != nil {
		return nil, err
	}

	user, err := models.DecodeUser(*doc)
	if err != nil {
		return nil, err
	}

	var contacts []models.ContactRef
	if user.HasInlineContacts() {
		contacts, err = user.ContactRefs()
		if err != nil {
			return nil, err
		}
	} else {
		contacts, err = engine.loadSubcollectionContacts(ctx)
		if err != nil {
			return nil, err
		}
	}

	engine.contacts.Replace(contacts)
	return engine.contacts.All(), nil
}

// AddContact resolves a scanned QR code to a user & links the two users
// through the atomic relation-creation function. An 'already_exists' error
// passes through untouched - it's a friendly outcome, not a failure.
func (engine *Engine) AddContact(ctx context.Context, qrCode string, isResponder, isDependent bool) (*models.ContactRef, error) {
	targetID, err := engine.resolveQRCode(ctx, qrCode)
	if err != nil {
		return nil, err
	}

	err = engine.relations.CreateRelation(ctx, engine.userID, targetID, isResponder, isDependent)
	if err != nil && !docstore.IsAlreadyExists(err) {
		return nil, err
	}
	createErr := err // nil or already_exists

	if _, err := engine.LoadContacts(ctx); err != nil {
		return nil, err
	}

	contact, ok := engine.contacts.Get(targetID)
	if !ok {
		return nil, docstore.NewError(docstore.ErrServer, "contact %v missing after reload", targetID)
	}

	return &contact, createErr
}

// UpdateContactRole updates the local edge right away, then relays the
// change through the atomic role-update function. On remote failure the
// error is surfaced but the optimistic local state stays - availability of
// the local view is favored over strict consistency here.
func (engine *Engine) UpdateContactRole(ctx context.Context, contact models.ContactRef, isResponder, isDependent bool) error {
	contact.IsResponder = isResponder
	contact.IsDependent = isDependent
	contact.LastUpdated = engine.now()
	engine.contacts.Upsert(contact)

	return engine.relations.UpdateRoles(ctx,
		models.ReferencePathFor(engine.userID), contact.ReferencePath, isResponder, isDependent)
}

// RemoveContact removes the edge locally first(UI responsiveness), then
// deletes the relationship in both directions remotely. When the remote
// deletion fails, the local removal stands & the gap is recorded for the
// reconciliation retry pass.
func (engine *Engine) RemoveContact(ctx context.Context, contact models.ContactRef) error {
	engine.contacts.Remove(contact.ID)

	if _, err := models.UserIDFromReferencePath(contact.ReferencePath); err != nil {
		// The edge is gone from this user's perspective; nothing more
		// we can address remotely without a resolvable target
		logg.Warnf("removed contact %q with unresolvable reference path %q - reconciliation gap", contact.ID, contact.ReferencePath)
		return nil
	}

	userRefPath := models.ReferencePathFor(engine.userID)
	err := engine.relations.DeleteRelation(ctx, userRefPath, contact.ReferencePath)
	if err != nil {
		engine.recordGap(reconciliationGap{userRefPath: userRefPath, contactRefPath: contact.ReferencePath})
		return err
	}

	return nil
}

// UpdateContactRelationship pushes the selected field groups for an edge in
// one remote round trip, after applying them to the local copy
func (engine *Engine) UpdateContactRelationship(ctx context.Context, contact models.ContactRef, update models.RelationUpdate) error {
	if update.UpdateRoles {
		contact.IsResponder = update.IsResponder
		contact.IsDependent = update.IsDependent
	}

	if update.UpdatePings || update.UpdateIncomingPing {
		contact.HasIncomingPing = update.Pings.HasIncomingPing
		contact.IncomingPingTimestamp = update.Pings.IncomingPingTimestamp
	}

	if update.UpdatePings || update.UpdateOutgoingPing {
		contact.HasOutgoingPing = update.Pings.HasOutgoingPing
		contact.OutgoingPingTimestamp = update.Pings.OutgoingPingTimestamp
	}

	if update.UpdateNotifications {
		contact.SendPings = update.SendPings
		contact.ReceivePings = update.ReceivePings
	}

	contact.LastUpdated = engine.now()
	engine.contacts.Upsert(contact)

	return engine.relations.UpdateRelation(ctx,
		models.ReferencePathFor(engine.userID), contact.ReferencePath, update)
}

// RetryReconciliationGaps re-attempts remote deletions that previously
// failed after their local removal. Gaps that fail again stay recorded.
func (engine *Engine) RetryReconciliationGaps(ctx context.Context) {
	engine.gapsMu.Lock()
	gaps := engine.gaps
	engine.gaps = nil
	engine.gapsMu.Unlock()

	for _, gap := range gaps {
		if err := engine.relations.DeleteRelation(ctx, gap.userRefPath, gap.contactRefPath); err != nil {
			logg.Warnf("reconciliation retry for %v failed: %v", gap.contactRefPath, err)
			engine.recordGap(gap)
		}
	}
}

// PendingReconciliationGaps returns how many failed deletions await retry
func (engine *Engine) PendingReconciliationGaps() int {
	engine.gapsMu.Lock()
	defer engine.gapsMu.Unlock()

	return len(engine.gaps)
}

// Watch applies remote contact changes to the local store until ctx is
// cancelled. Both storage shapes are observed: edits to the user document
// re-read the inline array, subcollection events upsert/remove one edge.
func (engine *Engine) Watch(ctx context.Context) error {
	userEvents, err := engine.store.Watch(ctx, docstore.UsersCollection)
	if err != nil {
		return err
	}

	contactEvents, err := engine.store.Watch(ctx, models.ContactsCollectionFor(engine.userID))
	if err != nil {
		return err
	}

	go func() {
		for userEvents != nil || contactEvents != nil {
			select {
			case event, ok := <-userEvents:
				if !ok {
					userEvents = nil
					continue
				}
				engine.applyUserEvent(ctx, event)
			case event, ok := <-contactEvents:
				if !ok {
					contactEvents = nil
					continue
				}
				engine.applyContactEvent(event)
			}
		}
	}()

	return nil
}

// ---------------------------------------------------------------------------------//
// Helper functions
// --------------------------------------------------------------------------------//

func (engine *Engine) loadSubcollectionContacts(ctx context.Context) ([]models.ContactRef, error) {
	docs, err := engine.store.Query(ctx, models.ContactsCollectionFor(engine.userID))
	if err != nil {
		return nil, err
	}

	contacts := []models.ContactRef{}
	for _, doc := range docs {
		contact, err := models.DecodeContactRecord(doc.ID, doc.Data)
		if err != nil {
			return nil, err
		}

		if contact == nil { // placeholder housekeeping doc
			continue
		}

		contacts = append(contacts, *contact)
	}

	return contacts, nil
}

// resolveQRCode looks a scanned QR string up in the reverse index
func (engine *Engine) resolveQRCode(ctx context.Context, qrCode string) (string, error) {
	if qrCode == "" {
		return "", docstore.NewError(docstore.ErrInvalidArgument, "a QR code is required")
	}

	docs, err := engine.store.Query(ctx, docstore.QRCodesCollection, docstore.Filter{Field: "qrCodeId", Value: qrCode})
	if err != nil {
		return "", err
	}

	if len(docs) == 0 {
		return "", docstore.NewError(docstore.ErrNotFound, "no user found for QR code %q", qrCode)
	}

	return docs[0].ID, nil
}

func (engine *Engine) recordGap(gap reconciliationGap) {
	engine.gapsMu.Lock()
	defer engine.gapsMu.Unlock()

	engine.gaps = append(engine.gaps, gap)
}

func (engine *Engine) applyUserEvent(ctx context.Context, event docstore.Event) {
	if event.Doc.ID != engine.userID || event.Type != docstore.EventSet {
		return
	}

	user, err := models.DecodeUser(event.Doc)
	if err != nil || !user.HasInlineContacts() {
		return
	}

	contacts, err := user.ContactRefs()
	if err != nil {
		logg.Warnf("ignoring malformed contact change for %v: %v", engine.userID, err)
		return
	}

	engine.contacts.Replace(contacts)
}

func (engine *Engine) applyContactEvent(event docstore.Event) {
	if event.Type == docstore.EventDelete {
		engine.contacts.Remove(event.Doc.ID)
		return
	}

	contact, err := models.DecodeContactRecord(event.Doc.ID, event.Doc.Data)
	if err != nil {
		logg.Warnf("ignoring malformed contact change %q: %v", event.Doc.ID, err)
		return
	}

	if contact == nil { // placeholder
		return
	}

	engine.contacts.Upsert(*contact)
}
