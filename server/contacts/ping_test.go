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

// linkedEngines wires two engines over one store with the real relation
// functions & links them, a having b as a responder
func linkedEngines(t *testing.T) (engineA, engineB *Engine, store *docstore.MemoryStore) {
	t.Helper()
	ctx := context.Background()

	store = docstore.NewMemoryStore()
	relationService := relations.NewService(store, testNow)

	seedUserDoc(t, store, "a", "harvey", "qr-a", true)
	seedUserDoc(t, store, "b", "mike", "qr-b", true)

	engineA = NewEngine("a", store, relationService, models.NewContactStore(testNow), testNow)
	engineB = NewEngine("b", store, relationService, models.NewContactStore(testNow), testNow)

	_, err := engineA.AddContact(ctx, "qr-b", true, false)
	require.Nil(t, err)

	_, err = engineB.LoadContacts(ctx)
	require.Nil(t, err)

	return engineA, engineB, store
}

func remoteEdge(t *testing.T, store docstore.Store, ownerID, contactID string) models.ContactRef {
	t.Helper()

	doc, err := store.Get(context.Background(), docstore.UsersCollection, ownerID)
	require.Nil(t, err)

	user, err := models.DecodeUser(*doc)
	require.Nil(t, err)

	edges, err := user.ContactRefs()
	require.Nil(t, err)

	for _, edge := range edges {
		if edge.ID == contactID {
			return edge
		}
	}

	t.Fatalf("no edge %v -> %v", ownerID, contactID)
	return models.ContactRef{}
}

func TestSendPingMirrorsDirections(t *testing.T) {
	engineA, _, store := linkedEngines(t)
	ctx := context.Background()

	handler := NewPingHandler(engineA)
	require.Nil(t, handler.SendPing(ctx, "b"))

	// Sender's edge: outgoing only
	local, ok := engineA.ContactStore().Get("b")
	require.True(t, ok)
	assert.True(t, local.HasOutgoingPing)
	assert.False(t, local.HasIncomingPing)
	assert.Equal(t, engineTestNow, local.OutgoingPingTimestamp)

	// Receiver's edge: incoming only, same timestamp
	edgeBA := remoteEdge(t, store, "b", "a")
	assert.True(t, edgeBA.HasIncomingPing)
	assert.False(t, edgeBA.HasOutgoingPing)
	assert.True(t, edgeBA.IncomingPingTimestamp.Equal(engineTestNow))
}

func TestSendPingUnknownContact(t *testing.T) {
	engineA, _, _ := linkedEngines(t)

	err := NewPingHandler(engineA).SendPing(context.Background(), "nobody")
	assert.True(t, docstore.IsNotFound(err))
}

func TestRespondToPing(t *testing.T) {
	engineA, engineB, store := linkedEngines(t)
	ctx := context.Background()

	// b pings a; a's responder edge for b now carries the incoming flag
	require.Nil(t, NewPingHandler(engineB).SendPing(ctx, "a"))

	_, err := engineA.LoadContacts(ctx)
	require.Nil(t, err)
	require.Equal(t, 1, engineA.ContactStore().PendingPingsCount())

	require.Nil(t, NewPingHandler(engineA).RespondToPing(ctx, "b"))

	assert.Equal(t, 0, engineA.ContactStore().PendingPingsCount())

	local, _ := engineA.ContactStore().Get("b")
	assert.False(t, local.HasIncomingPing)
	assert.True(t, local.IncomingPingTimestamp.IsZero())

	// ...and b's outgoing flag is cleared through the mirror
	edgeBA := remoteEdge(t, store, "b", "a")
	assert.False(t, edgeBA.HasOutgoingPing)
}

func TestClearOutgoingPing(t *testing.T) {
	engineA, _, store := linkedEngines(t)
	ctx := context.Background()

	handler := NewPingHandler(engineA)
	require.Nil(t, handler.SendPing(ctx, "b"))
	require.Nil(t, handler.ClearOutgoingPing(ctx, "b"))

	local, _ := engineA.ContactStore().Get("b")
	assert.False(t, local.HasOutgoingPing)

	edgeBA := remoteEdge(t, store, "b", "a")
	assert.False(t, edgeBA.HasIncomingPing, "Cancelling a ping withdraws it from the receiver too")
}

func TestSendPingPreservesRemoteIncomingPing(t *testing.T) {
	engineA, engineB, store := linkedEngines(t)
	ctx := context.Background()

	// b pings a while a's local copy is stale(no active watch)
	require.Nil(t, NewPingHandler(engineB).SendPing(ctx, "a"))

	require.Nil(t, NewPingHandler(engineA).SendPing(ctx, "b"))

	edgeAB := remoteEdge(t, store, "a", "b")
	assert.True(t, edgeAB.HasOutgoingPing)
	assert.True(t, edgeAB.HasIncomingPing,
		"Sending a ping must not overwrite a remotely raised incoming one")
	assert.True(t, edgeAB.IncomingPingTimestamp.Equal(engineTestNow))
}

func TestRespondToAllPings(t *testing.T) {
	fake := &fakeRelations{}
	engine := newFakeEngine(fake)

	pinged := time.Date(2022, 3, 14, 11, 0, 0, 0, time.UTC)
	engine.ContactStore().Replace([]models.ContactRef{
		{ID: "b", ReferencePath: "users/b", IsResponder: true, HasIncomingPing: true, IncomingPingTimestamp: pinged},
		{ID: "c", ReferencePath: "users/c", IsResponder: true, HasIncomingPing: true, IncomingPingTimestamp: pinged},
		{ID: "d", ReferencePath: "users/d", IsResponder: true},
		{ID: "e", ReferencePath: "users/e", IsDependent: true, HasIncomingPing: true, IncomingPingTimestamp: pinged},
	})
	require.Equal(t, 2, engine.ContactStore().PendingPingsCount())

	require.Nil(t, NewPingHandler(engine).RespondToAllPings(context.Background()))

	assert.Equal(t, 0, engine.ContactStore().PendingPingsCount())
	assert.Len(t, fake.updatedRelation, 2, "Only responder edges with a pending ping get a remote update")

	// Dependent-only edges keep their flag; it doesn't count toward pending
	edgeE, _ := engine.ContactStore().Get("e")
	assert.True(t, edgeE.HasIncomingPing)
}

func TestRespondToAllPingsPartialFailure(t *testing.T) {
	fake := &fakeRelations{
		updateRelationErr: map[string]error{
			"users/c": docstore.NewError(docstore.ErrNetwork, "remote unavailable"),
		},
	}
	engine := newFakeEngine(fake)

	pinged := time.Date(2022, 3, 14, 11, 0, 0, 0, time.UTC)
	engine.ContactStore().Replace([]models.ContactRef{
		{ID: "b", ReferencePath: "users/b", IsResponder: true, HasIncomingPing: true, IncomingPingTimestamp: pinged},
		{ID: "c", ReferencePath: "users/c", IsResponder: true, HasIncomingPing: true, IncomingPingTimestamp: pinged},
	})

	err := NewPingHandler(engine).RespondToAllPings(context.Background())
	assert.Equal(t, docstore.ErrNetwork, docstore.KindOf(err))

	// The local sweep is all-or-nothing regardless of remote outcomes
	assert.Equal(t, 0, engine.ContactStore().PendingPingsCount())
	assert.Len(t, fake.updatedRelation, 2, "Every affected edge is attempted, not just those before the failure")
}
