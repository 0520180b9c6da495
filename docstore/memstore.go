package docstore

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"sync"
)

// MemoryStore is the in-memory Store used by tests & 'memory' backend dev
// servers. Contents do not survive a restart.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte
	watchers    *broadcaster
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string][]byte),
		watchers:    newBroadcaster(),
	}
}

func (store *MemoryStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	data, ok := store.collections[collection][id]
	if !ok {
		return nil, NewError(ErrNotFound, "no document %q in %q", id, collection)
	}

	return &Document{ID: id, Data: copyBytes(data)}, nil
}

func (store *MemoryStore) Set(ctx context.Context, collection, id string, data []byte) error {
	if id == "" {
		return NewError(ErrInvalidArgument, "document id is required")
	}

	if !json.Valid(data) {
		return NewError(ErrInvalidArgument, "document %q is not valid JSON", id)
	}

	store.mu.Lock()
	if store.collections[collection] == nil {
		store.collections[collection] = make(map[string][]byte)
	}
	store.collections[collection][id] = copyBytes(data)
	store.mu.Unlock()

	store.watchers.publish(Event{
		Type:       EventSet,
		Collection: collection,
		Doc:        Document{ID: id, Data: copyBytes(data)},
	})

	return nil
}

func (store *MemoryStore) Update(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	store.mu.Lock()

	data, ok := store.collections[collection][id]
	if !ok {
		store.mu.Unlock()
		return NewError(ErrNotFound, "no document %q in %q", id, collection)
	}

	merged, err := mergeFields(data, fields)
	if err != nil {
		store.mu.Unlock()
		return WrapError(ErrInvalidArgument, err, "unable to apply update")
	}

	store.collections[collection][id] = merged
	store.mu.Unlock()

	store.watchers.publish(Event{
		Type:       EventSet,
		Collection: collection,
		Doc:        Document{ID: id, Data: copyBytes(merged)},
	})

	return nil
}

func (store *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	store.mu.Lock()

	_, existed := store.collections[collection][id]
	delete(store.collections[collection], id)
	store.mu.Unlock()

	// Deleting a missing document is a no-op, not an error
	if existed {
		store.watchers.publish(Event{
			Type:       EventDelete,
			Collection: collection,
			Doc:        Document{ID: id},
		})
	}

	return nil
}

func (store *MemoryStore) Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	docs := []Document{}
	for id, data := range store.collections[collection] {
		match, err := matchesFilters(data, filters)
		if err != nil {
			return nil, WrapError(ErrInvalidArgument, err, "unable to apply query filter")
		}

		if match {
			docs = append(docs, Document{ID: id, Data: copyBytes(data)})
		}
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func (store *MemoryStore) Watch(ctx context.Context, collection string) (<-chan Event, error) {
	return store.watchers.subscribe(ctx, collection), nil
}

func (store *MemoryStore) Close() error {
	store.watchers.closeAll()
	return nil
}

// ---------------------------------------------------------------------------------//
// Helper functions
// --------------------------------------------------------------------------------//

func copyBytes(data []byte) []byte {
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	return dataCopy
}

func mergeFields(data []byte, fields map[string]interface{}) ([]byte, error) {
	doc := map[string]interface{}{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	for key, value := range fields {
		doc[key] = value
	}

	return json.Marshal(doc)
}

func matchesFilters(data []byte, filters []Filter) (bool, error) {
	if len(filters) == 0 {
		return true, nil
	}

	doc := map[string]interface{}{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return false, err
	}

	for _, filter := range filters {
		expected, err := normalizeJSONValue(filter.Value)
		if err != nil {
			return false, err
		}

		if !reflect.DeepEqual(doc[filter.Field], expected) {
			return false, nil
		}
	}

	return true, nil
}

// normalizeJSONValue round-trips a filter value through JSON, so that e.g.
// an int filter compares equal to the float64 the decoder produces
func normalizeJSONValue(value interface{}) (interface{}, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}

	var normalized interface{}
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, err
	}

	return normalized, nil
}
