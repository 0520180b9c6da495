// Package docstore abstracts the remote document database behind a small
// get/set/update/delete/query/watch contract, with interchangeable backends:
// an in-memory store for tests, a sqlite store for single node deployments
// & a redis store for shared ones.
package docstore

import (
	"context"
	"sync"
)

// Collections used by vigil. Kept here so every backend & test agrees
// on the names.
const (
	UsersCollection   = "users"
	QRCodesCollection = "qr_codes"
)

type Document struct {
	ID   string
	Data []byte // JSON payload
}

// Filter is a field equality predicate applied to top-level JSON fields
type Filter struct {
	Field string
	Value interface{}
}

type EventType string

const (
	EventSet    EventType = "set"
	EventDelete EventType = "delete"
)

type Event struct {
	Type       EventType
	Collection string
	Doc        Document
}

// Store is the document database contract. Every operation returns a
// *docstore.Error so callers can branch on ErrorKind.
//
// Watch delivers every subsequent Set/Delete on a collection until ctx is
// cancelled; the returned channel is closed promptly after cancellation and
// no events are delivered past that point.
type Store interface {
	Get(ctx context.Context, collection, id string) (*Document, error)
	Set(ctx context.Context, collection, id string, data []byte) error
	Update(ctx context.Context, collection, id string, fields map[string]interface{}) error
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error)
	Watch(ctx context.Context, collection string) (<-chan Event, error)
	Close() error
}

// ---------------------------------------------------------------------------------//
// Watch plumbing shared by the memory & sqlite backends
// --------------------------------------------------------------------------------//

const watchBuffer = 64

type subscriber struct {
	collection string
	events     chan Event
}

type broadcaster struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]*subscriber)}
}

func (b *broadcaster) subscribe(ctx context.Context, collection string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	sub := &subscriber{collection: collection, events: make(chan Event, watchBuffer)}
	b.subs[id] = sub

	// Teardown is driven by ctx, so multiple cancellations are harmless
	go func() {
		<-ctx.Done()
		b.unsubscribe(id)
	}()

	return sub.events
}

func (b *broadcaster) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}

	delete(b.subs, id)
	close(sub.events)
}

func (b *broadcaster) publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if sub.collection != event.Collection {
			continue
		}

		// Drop events for watchers that have fallen behind, rather
		// than blocking every writer on a slow consumer
		select {
		case sub.events <- event:
		default:
		}
	}
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.events)
	}
}
