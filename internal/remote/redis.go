package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/hermes-sync/internal/types"
)

const (
	defaultRedisPrefix = "hermes:"
	defaultDedupeTTL   = 2 * time.Minute
	maxTxAttempts      = 16
)

type storedDoc struct {
	Fields  types.Fields `json:"fields,omitempty"`
	Deleted bool         `json:"deleted,omitempty"`
	Version uint64       `json:"version"`
}

type rejection struct{ err error }

func (r rejection) Error() string { return r.err.Error() }

// RedisStore keeps documents as JSON values in Redis and publishes every
// accepted write on a per-collection channel. Writes run in WATCH
// transactions over the document and the collection version counter, so
// versions are assigned in commit order.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger

	dedupeTTL time.Duration
}

// NewRedisStore constructs a store on client.
func NewRedisStore(client *redis.Client, logger zerolog.Logger) *RedisStore {
	return &RedisStore{
		client:    client,
		prefix:    defaultRedisPrefix,
		logger:    logger.With().Str("component", "remote_redis").Logger(),
		dedupeTTL: defaultDedupeTTL,
	}
}

// WriteDocument implements Writer.
func (r *RedisStore) WriteDocument(ctx context.Context, collection types.CollectionID, id types.DocumentID, patch types.Patch, correlation types.CorrelationID) (Ack, error) {
	ack, err := r.write(ctx, collection, id, patch, correlation)
	observeWrite("redis", err)
	return ack, err
}

func (r *RedisStore) write(ctx context.Context, collection types.CollectionID, id types.DocumentID, patch types.Patch, correlation types.CorrelationID) (Ack, error) {
	if err := patch.Validate(); err != nil {
		return Ack{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	docKey := r.docKey(collection, id)
	verKey := r.versionKey(collection)

	var change types.Change
	txf := func(tx *redis.Tx) error {
		stored, exists, err := r.load(ctx, tx, docKey)
		if err != nil {
			return err
		}
		version, err := tx.Get(ctx, verKey).Uint64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		base := types.Document{Collection: collection, ID: id}
		if exists {
			base.Fields = stored.Fields
			base.Deleted = stored.Deleted
		}
		next, err := patch.Apply(base, exists)
		if err != nil {
			return rejection{err: err}
		}

		version++
		encoded, err := json.Marshal(storedDoc{Fields: next.Fields, Deleted: next.Deleted, Version: version})
		if err != nil {
			return rejection{err: err}
		}
		change = types.Change{
			Collection:    collection,
			ID:            id,
			Fields:        next.Fields,
			Tombstone:     next.Deleted,
			SourceVersion: version,
			CorrelationID: correlation,
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, verKey, version, 0)
			pipe.Set(ctx, docKey, encoded, 0)
			pipe.SAdd(ctx, r.idsKey(collection), string(id))
			pipe.Publish(ctx, r.channel(collection), change)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := r.client.Watch(ctx, txf, docKey, verKey)
		if err == nil {
			return Ack{Version: change.SourceVersion, CorrelationID: correlation}, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		var rej rejection
		if errors.As(err, &rej) {
			return Ack{}, fmt.Errorf("%w: %v", ErrRejected, rej.err)
		}
		return Ack{}, fmt.Errorf("write %s/%s: %w", collection, id, err)
	}
	return Ack{}, fmt.Errorf("write %s/%s: transaction contention after %d attempts", collection, id, maxTxAttempts)
}

// Subscribe implements Store. The feed starts with a replay of the stored
// documents and resubscribes with backoff when the connection drops; replays
// after a reconnect may repeat changes, which consumers drop as stale.
func (r *RedisStore) Subscribe(ctx context.Context, collection types.CollectionID) (<-chan types.Change, error) {
	if r == nil || r.client == nil {
		return nil, errors.New("nil redis store")
	}
	f := newFeed(ctx)
	s := &redisSubscription{store: r, collection: collection, feed: f, seen: make(map[string]time.Time)}
	go s.run(ctx)
	return f.out, nil
}

type redisSubscription struct {
	store      *RedisStore
	collection types.CollectionID
	feed       *feed

	seenMu sync.Mutex
	seen   map[string]time.Time
}

func (s *redisSubscription) run(ctx context.Context) {
	logger := s.store.logger.With().Str("collection", string(s.collection)).Logger()
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := s.store.client.Subscribe(ctx, s.store.channel(s.collection))
		err := s.session(ctx, pubsub)
		_ = pubsub.Close()
		if err == nil {
			backoff = time.Second
		} else if !errors.Is(err, context.Canceled) {
			feedReconnects.WithLabelValues("redis").Inc()
			logger.Warn().Err(err).Dur("backoff", backoff).Msg("redis change feed interrupted; retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff = minDuration(backoff*2, maxBackoffDelay)
		}
	}
}

// session subscribes before replaying so no write falls between the two.
func (s *redisSubscription) session(ctx context.Context, pubsub *redis.PubSub) error {
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel(redis.WithChannelSize(feedBuffer))
	if err := s.replay(ctx); err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			var change types.Change
			if err := change.UnmarshalBinary([]byte(msg.Payload)); err != nil {
				s.store.logger.Warn().Err(err).Msg("failed to decode change")
				continue
			}
			s.deliver(change)
		}
	}
}

func (s *redisSubscription) replay(ctx context.Context) error {
	ids, err := s.store.client.SMembers(ctx, s.store.idsKey(s.collection)).Result()
	if err != nil {
		return err
	}

	changes := make([]types.Change, 0, len(ids))
	for _, id := range ids {
		stored, ok, err := s.store.load(ctx, s.store.client, s.store.docKey(s.collection, types.DocumentID(id)))
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		changes = append(changes, types.Change{
			Collection:    s.collection,
			ID:            types.DocumentID(id),
			Fields:        stored.Fields,
			Tombstone:     stored.Deleted,
			SourceVersion: stored.Version,
		})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].SourceVersion < changes[j].SourceVersion })
	for _, change := range changes {
		s.deliver(change)
	}
	return nil
}

func (s *redisSubscription) deliver(change types.Change) {
	if s.isDuplicate(change) {
		return
	}
	feedChanges.WithLabelValues("redis", string(s.collection)).Inc()
	s.feed.push(change)
}

func (s *redisSubscription) isDuplicate(change types.Change) bool {
	key := fmt.Sprintf("%s:%d", change.ID, change.SourceVersion)
	now := time.Now()

	s.seenMu.Lock()
	defer s.seenMu.Unlock()

	if ts, ok := s.seen[key]; ok && now.Sub(ts) < s.store.dedupeTTL {
		return true
	}
	s.seen[key] = now
	cutoff := now.Add(-s.store.dedupeTTL)
	for k, ts := range s.seen {
		if ts.Before(cutoff) {
			delete(s.seen, k)
		}
	}
	return false
}

func (r *RedisStore) load(ctx context.Context, c redis.Cmdable, key string) (storedDoc, bool, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return storedDoc{}, false, nil
	}
	if err != nil {
		return storedDoc{}, false, err
	}
	var doc storedDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return storedDoc{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return doc, true, nil
}

func (r *RedisStore) docKey(collection types.CollectionID, id types.DocumentID) string {
	return fmt.Sprintf("%sdoc:%s:%s", r.prefix, collection, id)
}

func (r *RedisStore) versionKey(collection types.CollectionID) string {
	return fmt.Sprintf("%sver:%s", r.prefix, collection)
}

func (r *RedisStore) idsKey(collection types.CollectionID) string {
	return fmt.Sprintf("%sids:%s", r.prefix, collection)
}

func (r *RedisStore) channel(collection types.CollectionID) string {
	return fmt.Sprintf("%schanges:%s", r.prefix, collection)
}
