package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Daskott/vigil/shared"
	"github.com/go-redis/redis/v8"
)

const (
	redisKeyPrefix     = "vigil:doc"
	redisEventPrefix   = "vigil:events"
	maxUpdateAttempts  = 3
	redisScanBatchSize = 100
)

// RedisStore is the Store backend for shared deployments. Documents live as
// JSON strings under 'vigil:doc:{collection}:{id}', and mutation events are
// fanned out to watchers over pub/sub.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(config shared.RedisConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	return &RedisStore{client: client}
}

func (store *RedisStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	data, err := store.client.Get(ctx, docKey(collection, id)).Bytes()
	if err == redis.Nil {
		return nil, NewError(ErrNotFound, "no document %q in %q", id, collection)
	}

	if err != nil {
		return nil, redisError(err, "unable to read document")
	}

	return &Document{ID: id, Data: data}, nil
}

func (store *RedisStore) Set(ctx context.Context, collection, id string, data []byte) error {
	if id == "" {
		return NewError(ErrInvalidArgument, "document id is required")
	}

	if !json.Valid(data) {
		return NewError(ErrInvalidArgument, "document %q is not valid JSON", id)
	}

	if err := store.client.Set(ctx, docKey(collection, id), data, 0).Err(); err != nil {
		return redisError(err, "unable to write document")
	}

	store.publish(ctx, Event{
		Type:       EventSet,
		Collection: collection,
		Doc:        Document{ID: id, Data: data},
	})

	return nil
}

func (store *RedisStore) Update(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	key := docKey(collection, id)

	var merged []byte
	applyUpdate := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return NewError(ErrNotFound, "no document %q in %q", id, collection)
		}
		if err != nil {
			return err
		}

		merged, err = mergeFields(data, fields)
		if err != nil {
			return WrapError(ErrInvalidArgument, err, "unable to apply update")
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, merged, 0)
			return nil
		})
		return err
	}

	// Optimistic concurrency via WATCH - retry if another
	// writer touched the key mid update
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := store.client.Watch(ctx, applyUpdate, key)
		if err == redis.TxFailedErr {
			continue
		}

		var storeErr *Error
		if errors.As(err, &storeErr) {
			return storeErr
		}

		if err != nil {
			return redisError(err, "unable to update document")
		}

		store.publish(ctx, Event{
			Type:       EventSet,
			Collection: collection,
			Doc:        Document{ID: id, Data: merged},
		})
		return nil
	}

	return NewError(ErrServer, "update of %q in %q kept conflicting with other writers", id, collection)
}

func (store *RedisStore) Delete(ctx context.Context, collection, id string) error {
	removed, err := store.client.Del(ctx, docKey(collection, id)).Result()
	if err != nil {
		return redisError(err, "unable to delete document")
	}

	if removed > 0 {
		store.publish(ctx, Event{
			Type:       EventDelete,
			Collection: collection,
			Doc:        Document{ID: id},
		})
	}

	return nil
}

func (store *RedisStore) Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	pattern := fmt.Sprintf("%v:%v:*", redisKeyPrefix, collection)
	keyPrefix := fmt.Sprintf("%v:%v:", redisKeyPrefix, collection)

	docs := []Document{}
	var cursor uint64
	for {
		keys, nextCursor, err := store.client.Scan(ctx, cursor, pattern, redisScanBatchSize).Result()
		if err != nil {
			return nil, redisError(err, "unable to scan collection")
		}

		for _, key := range keys {
			data, err := store.client.Get(ctx, key).Bytes()
			if err == redis.Nil {
				continue // deleted between SCAN & GET
			}
			if err != nil {
				return nil, redisError(err, "unable to read document")
			}

			match, err := matchesFilters(data, filters)
			if err != nil {
				return nil, WrapError(ErrInvalidArgument, err, "unable to apply query filter")
			}

			if match {
				docs = append(docs, Document{ID: strings.TrimPrefix(key, keyPrefix), Data: data})
			}
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func (store *RedisStore) Watch(ctx context.Context, collection string) (<-chan Event, error) {
	pubsub := store.client.Subscribe(ctx, eventChannel(collection))

	// Make sure the subscription is live before handing the channel out
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, redisError(err, "unable to subscribe to collection events")
	}

	events := make(chan Event, watchBuffer)

	go func() {
		<-ctx.Done()
		pubsub.Close()
	}()

	go func() {
		defer close(events)
		for msg := range pubsub.Channel() {
			event, err := decodeEvent(collection, msg.Payload)
			if err != nil {
				continue
			}

			select {
			case events <- event:
			default: // drop for watchers that have fallen behind
			}
		}
	}()

	return events, nil
}

func (store *RedisStore) Close() error {
	return store.client.Close()
}

// ---------------------------------------------------------------------------------//
// Helper functions
// --------------------------------------------------------------------------------//

type eventPayload struct {
	Type EventType       `json:"type"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

// publish is best effort - a dropped event only delays watchers until the
// next reload, so it must never fail the mutation that triggered it
func (store *RedisStore) publish(ctx context.Context, event Event) {
	payload, err := json.Marshal(eventPayload{Type: event.Type, ID: event.Doc.ID, Data: event.Doc.Data})
	if err != nil {
		return
	}

	store.client.Publish(ctx, eventChannel(event.Collection), payload)
}

func decodeEvent(collection, payload string) (Event, error) {
	decoded := eventPayload{}
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return Event{}, err
	}

	return Event{
		Type:       decoded.Type,
		Collection: collection,
		Doc:        Document{ID: decoded.ID, Data: decoded.Data},
	}, nil
}

func docKey(collection, id string) string {
	return fmt.Sprintf("%v:%v:%v", redisKeyPrefix, collection, id)
}

func eventChannel(collection string) string {
	return fmt.Sprintf("%v:%v", redisEventPrefix, collection)
}

func redisError(err error, message string) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return WrapError(ErrNetwork, err, message)
	}

	return WrapError(ErrServer, err, message)
}
