// Package redisstore keeps documents in Redis hashes and enforces versions
// with Lua scripts that run atomically on the server.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aaronwang/carbon-exchange/shared/docstore"
)

// Both keys carry the {collection} hash tag so they share a cluster slot.
// KEYS[1]: <prefix>doc:{<collection>}:<id> (hash: data, version, created)
// KEYS[2]: <prefix>idx:{<collection>} (zset of ids scored by creation micros)
// ARGV[1]: document JSON
// ARGV[2]: document id
var createScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return 0
	end
	local t = redis.call('TIME')
	local micros = tonumber(t[1]) * 1000000 + tonumber(t[2])
	redis.call('HSET', KEYS[1], 'data', ARGV[1], 'version', 1, 'created', micros)
	redis.call('ZADD', KEYS[2], micros, ARGV[2])
	return 1
`)

// KEYS[1]: <prefix>doc:{<collection>}:<id>
// ARGV[1]: document JSON
// ARGV[2]: expected version
// Returns -1 if missing, 0 on version mismatch, else the new version.
var putScript = redis.NewScript(`
	local current = redis.call('HGET', KEYS[1], 'version')
	if not current then
		return -1
	end
	if tonumber(current) ~= tonumber(ARGV[2]) then
		return 0
	end
	local bumped = redis.call('HINCRBY', KEYS[1], 'version', 1)
	redis.call('HSET', KEYS[1], 'data', ARGV[1])
	return bumped
`)

// Store is a docstore.Store backed by Redis.
type Store struct {
	client *redis.Client
	prefix string
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix namespaces every key. The prefix must not contain braces or it
// would replace the collection hash tag.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// New wraps an existing client.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int, opts ...Option) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return New(rdb, opts...), nil
}

// Client exposes the underlying client so publishers can share the connection.
func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) docKey(collection, id string) string {
	return s.prefix + "doc:{" + collection + "}:" + id
}

func (s *Store) indexKey(collection string) string {
	return s.prefix + "idx:{" + collection + "}"
}

func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	vals, err := s.client.HMGet(ctx, s.docKey(collection, id), "data", "version", "created").Result()
	if err != nil {
		return docstore.Document{}, fmt.Errorf("redis get %s/%s: %w", collection, id, err)
	}
	return parseDoc(id, vals)
}

func (s *Store) Create(ctx context.Context, collection, id string, data []byte) (docstore.Version, error) {
	keys := []string{s.docKey(collection, id), s.indexKey(collection)}
	created, err := createScript.Run(ctx, s.client, keys, string(data), id).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to execute create script: %w", err)
	}
	if created == 0 {
		return 0, docstore.ErrAlreadyExists
	}
	return 1, nil
}

func (s *Store) PutIfVersion(ctx context.Context, collection, id string, data []byte, expected docstore.Version) (docstore.Version, error) {
	keys := []string{s.docKey(collection, id)}
	result, err := putScript.Run(ctx, s.client, keys, string(data), int64(expected)).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to execute put script: %w", err)
	}
	switch {
	case result < 0:
		return 0, docstore.ErrNotFound
	case result == 0:
		return 0, docstore.ErrVersionConflict
	}
	return docstore.Version(result), nil
}

// Query walks the creation index newest first. Filtering happens client side,
// so an unfiltered query pages in Redis and a filtered one reads every id.
func (s *Store) Query(ctx context.Context, collection string, q docstore.Query) ([]docstore.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	start, stop := int64(0), int64(-1)
	if len(q.Where) == 0 {
		start = int64(q.Offset)
		if q.Limit > 0 {
			stop = start + int64(q.Limit) - 1
		}
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(collection), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis query %s: %w", collection, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HMGet(ctx, s.docKey(collection, id), "data", "version", "created")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis query %s: %w", collection, err)
	}

	var docs []docstore.Document
	for i, cmd := range cmds {
		doc, err := parseDoc(ids[i], cmd.Val())
		if errors.Is(err, docstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		ok, err := docstore.Match(doc.Data, q.Where)
		if err != nil {
			return nil, err
		}
		if ok {
			docs = append(docs, doc)
		}
	}
	// ZREVRANGE already orders by score then member, both descending.
	if len(q.Where) == 0 {
		return docs, nil
	}
	return docstore.Page(docs, q.Limit, q.Offset), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

func parseDoc(id string, vals []interface{}) (docstore.Document, error) {
	if len(vals) != 3 || vals[0] == nil {
		return docstore.Document{}, docstore.ErrNotFound
	}
	data, _ := vals[0].(string)
	versionStr, _ := vals[1].(string)
	createdStr, _ := vals[2].(string)

	version, err := strconv.ParseInt(versionStr, 10, 64)
	if err != nil {
		return docstore.Document{}, fmt.Errorf("redis doc %s: bad version %q", id, versionStr)
	}
	micros, err := strconv.ParseInt(createdStr, 10, 64)
	if err != nil {
		return docstore.Document{}, fmt.Errorf("redis doc %s: bad created %q", id, createdStr)
	}
	return docstore.Document{
		ID:        id,
		Data:      []byte(data),
		Version:   docstore.Version(version),
		CreatedAt: time.UnixMicro(micros).UTC(),
	}, nil
}
