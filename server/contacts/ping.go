package contacts

import (
	"context"
	"time"

	"github.com/Daskott/vigil/docstore"
	"github.com/Daskott/vigil/server/models"
)

// PingHandler implements the manual request-for-status protocol on top of
// the sync engine. Each operation flips the local edge optimistically, then
// pushes only the ping direction it touched - a stale local copy of the
// other direction never reaches the remote edge. There is no
// 'sent-unconfirmed' state visible to callers.
type PingHandler struct {
	engine *Engine
}

func NewPingHandler(engine *Engine) *PingHandler {
	return &PingHandler{engine: engine}
}

// SendPing raises the outgoing flag on the edge to target. Re-sending is
// valid from any prior state & just extends the timestamp.
func (handler *PingHandler) SendPing(ctx context.Context, targetID string) error {
	contact, err := handler.contact(targetID)
	if err != nil {
		return err
	}

	contact.HasOutgoingPing = true
	contact.OutgoingPingTimestamp = handler.engine.now()

	return handler.push(ctx, contact, models.RelationUpdate{UpdateOutgoingPing: true})
}

// RespondToPing acknowledges an incoming ping from source - the "I am ok"
// response - clearing the incoming flag & its timestamp
func (handler *PingHandler) RespondToPing(ctx context.Context, sourceID string) error {
	contact, err := handler.contact(sourceID)
	if err != nil {
		return err
	}

	contact.HasIncomingPing = false
	contact.IncomingPingTimestamp = time.Time{}

	return handler.push(ctx, contact, models.RelationUpdate{UpdateIncomingPing: true})
}

// ClearOutgoingPing cancels one's own outstanding ping to target
func (handler *PingHandler) ClearOutgoingPing(ctx context.Context, targetID string) error {
	contact, err := handler.contact(targetID)
	if err != nil {
		return err
	}

	contact.HasOutgoingPing = false
	contact.OutgoingPingTimestamp = time.Time{}

	return handler.push(ctx, contact, models.RelationUpdate{UpdateOutgoingPing: true})
}

// RespondToAllPings clears the incoming flag on every responder-role edge
// with a pending ping - locally first, in one sweep - then issues one
// remote update per affected contact. A partial remote failure returns the
// first error; already-cleared local state stays as-is.
func (handler *PingHandler) RespondToAllPings(ctx context.Context) error {
	store := handler.engine.ContactStore()

	affected := []models.ContactRef{}
	for _, contact := range store.Responders() {
		if !contact.HasIncomingPing {
			continue
		}

		contact.HasIncomingPing = false
		contact.IncomingPingTimestamp = time.Time{}
		contact.LastUpdated = handler.engine.now()
		affected = append(affected, contact)
	}

	for i := range affected {
		store.Upsert(affected[i])
	}

	var firstErr error
	for i := range affected {
		err := handler.engine.relations.UpdateRelation(ctx,
			models.ReferencePathFor(handler.engine.userID),
			affected[i].ReferencePath,
			models.RelationUpdate{UpdateIncomingPing: true, Pings: pingStateOf(&affected[i])},
		)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// ---------------------------------------------------------------------------------//
// Helper functions
// --------------------------------------------------------------------------------//

func (handler *PingHandler) contact(id string) (models.ContactRef, error) {
	contact, ok := handler.engine.ContactStore().Get(id)
	if !ok {
		return models.ContactRef{}, docstore.NewError(docstore.ErrNotFound, "no contact %q", id)
	}

	return contact, nil
}

func (handler *PingHandler) push(ctx context.Context, contact models.ContactRef, update models.RelationUpdate) error {
	update.Pings = pingStateOf(&contact)
	return handler.engine.UpdateContactRelationship(ctx, contact, update)
}

func pingStateOf(contact *models.ContactRef) models.PingState {
	return models.PingState{
		HasIncomingPing:       contact.HasIncomingPing,
		IncomingPingTimestamp: contact.IncomingPingTimestamp,
		HasOutgoingPing:       contact.HasOutgoingPing,
		OutgoingPingTimestamp: contact.OutgoingPingTimestamp,
	}
}
