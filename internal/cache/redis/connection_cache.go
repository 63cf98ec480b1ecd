package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/txnbridge/internal/domain"
	"github.com/redis/go-redis/v9"
)

const connectionTTL = 5 * time.Minute

// ConnectionCache implements domain.ConnectionCache using Redis hashes with
// JSON-serialized connections and a secondary external-ref index.
//
// Key schema:
//
//	conn:{id}                     - hash with field "data" containing JSON
//	conn:ref:{connector}:{extRef} - string value of the connection ID
type ConnectionCache struct {
	rdb *redis.Client
}

// NewConnectionCache creates a ConnectionCache backed by the given Client.
func NewConnectionCache(c *Client) *ConnectionCache {
	return &ConnectionCache{rdb: c.Underlying()}
}

func connKey(id string) string { return "conn:" + id }
func connRefKey(connectorID, ref string) string {
	return "conn:ref:" + connectorID + ":" + ref
}

// Set stores conn for five minutes, indexing it by external ref when it has one.
func (cc *ConnectionCache) Set(ctx context.Context, conn domain.Connection) error {
	data, err := json.Marshal(conn)
	if err != nil {
		return fmt.Errorf("redis: marshal connection %s: %w", conn.ID, err)
	}

	key := connKey(conn.ID)
	pipe := cc.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, connectionTTL)
	if conn.ExternalRef != "" {
		pipe.Set(ctx, connRefKey(conn.ConnectorID, conn.ExternalRef), conn.ID, connectionTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set connection %s: %w", conn.ID, err)
	}
	return nil
}

// Get returns domain.ErrNotFound on a cache miss.
func (cc *ConnectionCache) Get(ctx context.Context, id string) (domain.Connection, error) {
	data, err := cc.rdb.HGet(ctx, connKey(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Connection{}, domain.ErrNotFound
		}
		return domain.Connection{}, fmt.Errorf("redis: get connection %s: %w", id, err)
	}
	var conn domain.Connection
	if err := json.Unmarshal(data, &conn); err != nil {
		return domain.Connection{}, fmt.Errorf("redis: unmarshal connection %s: %w", id, err)
	}
	return conn, nil
}

// GetByExternalRef follows the ref index to the cached connection.
func (cc *ConnectionCache) GetByExternalRef(ctx context.Context, connectorID, externalRef string) (domain.Connection, error) {
	id, err := cc.rdb.Get(ctx, connRefKey(connectorID, externalRef)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Connection{}, domain.ErrNotFound
		}
		return domain.Connection{}, fmt.Errorf("redis: get connection by ref %s: %w", externalRef, err)
	}
	conn, err := cc.Get(ctx, id)
	if err != nil {
		return domain.Connection{}, err
	}
	// A stale index entry must never resolve to a different connector.
	if conn.ConnectorID != connectorID || conn.ExternalRef != externalRef {
		return domain.Connection{}, domain.ErrNotFound
	}
	return conn, nil
}

// Invalidate removes the connection and its ref index entry.
func (cc *ConnectionCache) Invalidate(ctx context.Context, id string) error {
	conn, err := cc.Get(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("redis: invalidate connection %s: %w", id, err)
	}

	pipe := cc.rdb.TxPipeline()
	pipe.Del(ctx, connKey(id))
	if err == nil && conn.ExternalRef != "" {
		pipe.Del(ctx, connRefKey(conn.ConnectorID, conn.ExternalRef))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: invalidate connection %s: %w", id, err)
	}
	return nil
}

var _ domain.ConnectionCache = (*ConnectionCache)(nil)
