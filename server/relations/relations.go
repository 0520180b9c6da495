// Package relations implements the server-side atomic relationship
// functions: every create/update/delete touches the edge in BOTH users'
// documents as one logical unit, so a half relationship can never outlive
// the operation that produced it. Each operation holds both participants'
// user locks, so any two mutations sharing a user are serialized - an
// inline contacts array is rewritten whole, & a lock on just the pair
// would let overlapping pairs drop each other's writes.
package relations

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Daskott/vigil/docstore"
	"github.com/Daskott/vigil/server/logger"
	"github.com/Daskott/vigil/server/models"
)

var logg = logger.NewLogger()

type Service struct {
	store docstore.Store
	locks userLocks
	now   func() time.Time
}

func NewService(store docstore.Store, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}

	return &Service{store: store, now: now}
}

// CreateRelation links two users bidirectionally. The role flags describe
// the target's role from the caller's perspective; the mirrored edge gets
// the complementary flags. If the pair is already linked, both edges are
// rolled forward to exist & an 'already_exists' error is returned - callers
// treat that as informational, not as a failure.
func (service *Service) CreateRelation(ctx context.Context, userID, targetID string, isResponder, isDependent bool) error {
	if userID == targetID {
		return docstore.NewError(docstore.ErrInvalidArgument, "a user cannot add themselves as a contact")
	}

	if !isResponder && !isDependent {
		return docstore.NewError(docstore.ErrInvalidArgument, "a contact needs at least one role")
	}

	unlock := service.locks.lock(userID, targetID)
	defer unlock()

	user, err := service.loadUser(ctx, userID)
	if err != nil {
		return err
	}

	target, err := service.loadUser(ctx, targetID)
	if err != nil {
		return err
	}

	now := service.now()
	userEdge := buildEdge(target, isResponder, isDependent, now)
	targetEdge := buildEdge(user, isDependent, isResponder, now)

	existing, err := service.loadEdge(ctx, user, targetID)
	if err != nil && !docstore.IsNotFound(err) {
		return err
	}

	if existing != nil {
		// Roll the counterpart forward if a previous attempt only
		// managed to write one side
		if err := service.ensureEdge(ctx, target, targetEdge); err != nil {
			return err
		}

		return docstore.NewError(docstore.ErrAlreadyExists, "%v is already a contact", target.Name)
	}

	if err := service.saveEdge(ctx, user, userEdge); err != nil {
		return err
	}

	if err := service.saveEdge(ctx, target, targetEdge); err != nil {
		// Compensate, so the half written edge doesn't outlive the call
		if undoErr := service.removeEdge(ctx, user, targetID); undoErr != nil {
			logg.Errorf("unable to undo half-written relation %v<->%v: %v", userID, targetID, undoErr)
		}
		return err
	}

	return nil
}

// UpdateRoles re-configures the roles on an edge & mirrors the
// complementary flags onto the counterpart edge
func (service *Service) UpdateRoles(ctx context.Context, userRefPath, contactRefPath string, isResponder, isDependent bool) error {
	return service.UpdateRelation(ctx, userRefPath, contactRefPath, models.RelationUpdate{
		UpdateRoles: true,
		IsResponder: isResponder,
		IsDependent: isDependent,
	})
}

// DeleteRelation removes the edge from both users' documents. A missing
// counterpart is treated as already deleted, keeping the call idempotent.
func (service *Service) DeleteRelation(ctx context.Context, userRefPath, contactRefPath string) error {
	userID, err := models.UserIDFromReferencePath(userRefPath)
	if err != nil {
		return err
	}

	targetID, err := models.UserIDFromReferencePath(contactRefPath)
	if err != nil {
		return err
	}

	unlock := service.locks.lock(userID, targetID)
	defer unlock()

	user, err := service.loadUser(ctx, userID)
	if err != nil {
		return err
	}

	if err := service.removeEdge(ctx, user, targetID); err != nil {
		return err
	}

	target, err := service.loadUser(ctx, targetID)
	if docstore.IsNotFound(err) {
		logg.Warnf("relation %v<->%v deleted one-sided, target user is gone", userID, targetID)
		return nil
	}
	if err != nil {
		return err
	}

	return service.removeEdge(ctx, target, userID)
}

// UpdateRelation selectively pushes role flags, ping state and/or ping
// permission defaults on an edge, in one atomic unit. Ping state is
// mirrored onto the counterpart edge with the directions swapped - the
// caller's outgoing ping is the counterpart's incoming one.
func (service *Service) UpdateRelation(ctx context.Context, userRefPath, contactRefPath string, update models.RelationUpdate) error {
	userID, err := models.UserIDFromReferencePath(userRefPath)
	if err != nil {
		return err
	}

	targetID, err := models.UserIDFromReferencePath(contactRefPath)
	if err != nil {
		return err
	}

	unlock := service.locks.lock(userID, targetID)
	defer unlock()

	user, err := service.loadUser(ctx, userID)
	if err != nil {
		return err
	}

	userEdge, err := service.loadEdge(ctx, user, targetID)
	if err != nil {
		return err
	}

	applyUpdate(userEdge, update, false)
	userEdge.LastUpdated = service.now()

	if err := service.saveEdge(ctx, user, *userEdge); err != nil {
		return err
	}

	target, err := service.loadUser(ctx, targetID)
	if err != nil {
		return err
	}

	targetEdge, err := service.loadEdge(ctx, target, userID)
	if docstore.IsNotFound(err) {
		logg.Warnf("no counterpart edge %v->%v to mirror update onto", targetID, userID)
		return nil
	}
	if err != nil {
		return err
	}

	applyUpdate(targetEdge, update, true)
	targetEdge.LastUpdated = service.now()

	return service.saveEdge(ctx, target, *targetEdge)
}

// SyncUserCacheFields re-publishes a user's display & liveness fields onto
// every counterpart edge pointing back at them, so contacts render fresh
// data without a read fan-out. Called after check-ins, profile edits &
// manual alert changes.
func (service *Service) SyncUserCacheFields(ctx context.Context, userID string) error {
	user, err := service.loadUser(ctx, userID)
	if err != nil {
		return err
	}

	contacts, err := service.loadEdges(ctx, user)
	if err != nil {
		return err
	}

	var firstErr error
	for i := range contacts {
		targetID := contacts[i].ID

		err := func() error {
			unlock := service.locks.lock(userID, targetID)
			defer unlock()

			target, err := service.loadUser(ctx, targetID)
			if err != nil {
				return err
			}

			edge, err := service.loadEdge(ctx, target, userID)
			if err != nil {
				return err
			}

			refreshCachedFields(edge, user)
			edge.LastUpdated = service.now()

			return service.saveEdge(ctx, target, *edge)
		}()

		if err != nil && firstErr == nil {
			firstErr = err
		}
		if err != nil {
			logg.Warnf("unable to refresh cached fields on %v->%v: %v", targetID, userID, err)
		}
	}

	return firstErr
}

// ---------------------------------------------------------------------------------//
// Storage shape helpers
// --------------------------------------------------------------------------------//

func (service *Service) loadUser(ctx context.Context, userID string) (*models.User, error) {
	doc, err := service.store.Get(ctx, docstore.UsersCollection, userID)
	if err != nil {
		return nil, err
	}

	return models.DecodeUser(*doc)
}

// loadEdges returns a user's edges from whichever storage shape the user
// document is on - inline array preferred, subcollection otherwise
func (service *Service) loadEdges(ctx context.Context, user *models.User) ([]models.ContactRef, error) {
	if user.HasInlineContacts() {
		return user.ContactRefs()
	}

	docs, err := service.store.Query(ctx, models.ContactsCollectionFor(user.ID))
	if err != nil {
		return nil, err
	}

	contacts := []models.ContactRef{}
	for _, doc := range docs {
		contact, err := models.DecodeContactRecord(doc.ID, doc.Data)
		if err != nil {
			return nil, err
		}

		if contact == nil { // placeholder
			continue
		}

		contacts = append(contacts, *contact)
	}

	return contacts, nil
}

func (service *Service) loadEdge(ctx context.Context, user *models.User, targetID string) (*models.ContactRef, error) {
	if user.HasInlineContacts() {
		contacts, err := user.ContactRefs()
		if err != nil {
			return nil, err
		}

		for i := range contacts {
			if contacts[i].ID == targetID {
				return &contacts[i], nil
			}
		}

		return nil, docstore.NewError(docstore.ErrNotFound, "no edge %v->%v", user.ID, targetID)
	}

	doc, err := service.store.Get(ctx, models.ContactsCollectionFor(user.ID), targetID)
	if err != nil {
		return nil, err
	}

	contact, err := models.DecodeContactRecord(doc.ID, doc.Data)
	if err != nil {
		return nil, err
	}

	if contact == nil {
		return nil, docstore.NewError(docstore.ErrNotFound, "no edge %v->%v", user.ID, targetID)
	}

	return contact, nil
}

func (service *Service) saveEdge(ctx context.Context, owner *models.User, edge models.ContactRef) error {
	if owner.HasInlineContacts() {
		contacts, err := owner.ContactRefs()
		if err != nil {
			return err
		}

		replaced := false
		for i := range contacts {
			if contacts[i].ID == edge.ID {
				contacts[i] = edge
				replaced = true
				break
			}
		}

		if !replaced {
			contacts = append(contacts, edge)
		}

		return service.store.Update(ctx, docstore.UsersCollection, owner.ID,
			map[string]interface{}{"contacts": models.ContactListField(contacts)})
	}

	data, err := edge.Encode()
	if err != nil {
		return err
	}

	return service.store.Set(ctx, models.ContactsCollectionFor(owner.ID), edge.ID, data)
}

// ensureEdge writes the edge only if it isn't there yet
func (service *Service) ensureEdge(ctx context.Context, owner *models.User, edge models.ContactRef) error {
	_, err := service.loadEdge(ctx, owner, edge.ID)
	if docstore.IsNotFound(err) {
		return service.saveEdge(ctx, owner, edge)
	}

	return err
}

func (service *Service) removeEdge(ctx context.Context, owner *models.User, targetID string) error {
	if owner.HasInlineContacts() {
		contacts, err := owner.ContactRefs()
		if err != nil {
			return err
		}

		kept := []models.ContactRef{}
		for i := range contacts {
			if contacts[i].ID != targetID {
				kept = append(kept, contacts[i])
			}
		}

		return service.store.Update(ctx, docstore.UsersCollection, owner.ID,
			map[string]interface{}{"contacts": models.ContactListField(kept)})
	}

	return service.store.Delete(ctx, models.ContactsCollectionFor(owner.ID), targetID)
}

// ---------------------------------------------------------------------------------//
// Helper functions
// --------------------------------------------------------------------------------//

func buildEdge(target *models.User, isResponder, isDependent bool, now time.Time) models.ContactRef {
	return models.ContactRef{
		ID:            target.ID,
		ReferencePath: models.ReferencePathFor(target.ID),
		IsResponder:   isResponder,
		IsDependent:   isDependent,
		SendPings:     true,
		ReceivePings:  true,

		Name:     target.Name,
		Phone:    target.PhoneNumber,
		Note:     target.Note,
		QRCodeID: target.QRCodeID,

		LastCheckIn: target.LastCheckInTime(),
		Interval:    target.Interval(),

		ManualAlertActive: target.ManualAlertActive,

		AddedAt:     now,
		LastUpdated: now,
	}
}

// applyUpdate applies the selected field groups to an edge. On the mirrored
// counterpart edge, roles are complemented & ping directions swapped.
func applyUpdate(edge *models.ContactRef, update models.RelationUpdate, mirrored bool) {
	if update.UpdateRoles {
		if mirrored {
			edge.IsResponder = update.IsDependent
			edge.IsDependent = update.IsResponder
		} else {
			edge.IsResponder = update.IsResponder
			edge.IsDependent = update.IsDependent
		}
	}

	if update.UpdatePings || update.UpdateOutgoingPing {
		if mirrored {
			edge.HasIncomingPing = update.Pings.HasOutgoingPing
			edge.IncomingPingTimestamp = update.Pings.OutgoingPingTimestamp
		} else {
			edge.HasOutgoingPing = update.Pings.HasOutgoingPing
			edge.OutgoingPingTimestamp = update.Pings.OutgoingPingTimestamp
		}
	}

	if update.UpdatePings || update.UpdateIncomingPing {
		if mirrored {
			edge.HasOutgoingPing = update.Pings.HasIncomingPing
			edge.OutgoingPingTimestamp = update.Pings.IncomingPingTimestamp
		} else {
			edge.HasIncomingPing = update.Pings.HasIncomingPing
			edge.IncomingPingTimestamp = update.Pings.IncomingPingTimestamp
		}
	}

	if update.UpdateNotifications && !mirrored {
		edge.SendPings = update.SendPings
		edge.ReceivePings = update.ReceivePings
	}
}

func refreshCachedFields(edge *models.ContactRef, user *models.User) {
	edge.Name = user.Name
	edge.Phone = user.PhoneNumber
	edge.Note = user.Note
	edge.QRCodeID = user.QRCodeID
	edge.LastCheckIn = user.LastCheckInTime()
	edge.Interval = user.Interval()
	edge.ManualAlertActive = user.ManualAlertActive
	if user.ManualAlertTimestamp != nil {
		edge.ManualAlertTimestamp = *user.ManualAlertTimestamp
	} else {
		edge.ManualAlertTimestamp = time.Time{}
	}
}

// ---------------------------------------------------------------------------------//
// Per-user locks
// --------------------------------------------------------------------------------//

type userLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// lock acquires both participants' locks in sorted id order, so two
// operations sharing a user serialize & opposite call orders can't
// deadlock
func (p *userLocks) lock(userA, userB string) func() {
	ids := []string{userA, userB}
	sort.Strings(ids)

	first := p.lockFor(ids[0])
	first.Lock()

	if ids[0] == ids[1] {
		return first.Unlock
	}

	second := p.lockFor(ids[1])
	second.Lock()

	return func() {
		second.Unlock()
		first.Unlock()
	}
}

func (p *userLocks) lockFor(userID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.locks == nil {
		p.locks = make(map[string]*sync.Mutex)
	}

	lock, ok := p.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[userID] = lock
	}

	return lock
}
