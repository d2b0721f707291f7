// Package redis provides a Redis-backed broker for deployments that prefer
// a server-side store over the file broker. Each target is kept as a single
// Redis list of JSON entries, which preserves the FIFO and first-match
// semantics of the broker contract.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"umapi.wikimetrics.org/broker"
)

// Config configures the Redis broker.
type Config struct {
	// RedisURL is the connection URL (defaults to redis://localhost:6379/0).
	RedisURL string

	// KeyPrefix namespaces the target lists (defaults to "umapi:").
	KeyPrefix string
}

// Broker implements broker.Broker on a Redis list per target. Scan-based
// operations (Get, Remove, Update) are serialized by a per-target mutex;
// like the file broker it assumes a single controller process per
// key prefix.
type Broker struct {
	client *goredis.Client
	ctx    context.Context
	prefix string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Redis broker and verifies the connection.
func New(ctx context.Context, config Config) (*Broker, error) {
	redisURL := config.RedisURL
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}

	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "umapi:"
	}

	return &Broker{
		client: client,
		ctx:    ctx,
		prefix: prefix,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

func (b *Broker) targetKey(target string) string {
	return b.prefix + target
}

func (b *Broker) targetLock(target string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[target]
	if !ok {
		l = &sync.Mutex{}
		b.locks[target] = l
	}
	return l
}

func marshalItem(item broker.Item) (string, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("failed to marshal broker entry: %w", err)
	}
	return string(data), nil
}

// items returns every entry of a target in list order, skipping any raw
// element that fails to decode.
func (b *Broker) items(target string) ([]string, []broker.Item, error) {
	raw, err := b.client.LRange(b.ctx, b.targetKey(target), 0, -1).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read target %s: %w", target, err)
	}
	items := make([]broker.Item, 0, len(raw))
	kept := make([]string, 0, len(raw))
	for _, element := range raw {
		var item broker.Item
		if err := json.Unmarshal([]byte(element), &item); err != nil {
			continue
		}
		items = append(items, item)
		kept = append(kept, element)
	}
	return kept, items, nil
}

// Add appends an entry to the target list.
func (b *Broker) Add(target, key, value string) error {
	element, err := marshalItem(broker.Item{Key: key, Value: value})
	if err != nil {
		return err
	}
	return b.client.RPush(b.ctx, b.targetKey(target), element).Err()
}

// Remove deletes the first entry matching key.
func (b *Broker) Remove(target, key string) error {
	lock := b.targetLock(target)
	lock.Lock()
	defer lock.Unlock()

	raw, items, err := b.items(target)
	if err != nil {
		return err
	}
	for i, item := range items {
		if item.Key == key {
			return b.client.LRem(b.ctx, b.targetKey(target), 1, raw[i]).Err()
		}
	}
	return nil
}

// Update replaces the value of the first entry matching key.
func (b *Broker) Update(target, key, value string) error {
	lock := b.targetLock(target)
	lock.Lock()
	defer lock.Unlock()

	_, items, err := b.items(target)
	if err != nil {
		return err
	}
	for i, item := range items {
		if item.Key != key {
			continue
		}
		element, err := marshalItem(broker.Item{Key: key, Value: value})
		if err != nil {
			return err
		}
		// Index i is stable here: every operation that shifts list
		// positions takes the same target lock.
		return b.client.LSet(b.ctx, b.targetKey(target), int64(i), element).Err()
	}
	return nil
}

// Get returns the value of the first entry matching key.
func (b *Broker) Get(target, key string) (string, error) {
	lock := b.targetLock(target)
	lock.Lock()
	defer lock.Unlock()

	_, items, err := b.items(target)
	if err != nil {
		return "", err
	}
	for _, item := range items {
		if item.Key == key {
			return item.Value, nil
		}
	}
	return "", broker.ErrNotFound
}

// GetKeys returns every key in the target in entry order.
func (b *Broker) GetKeys(target string) ([]string, error) {
	_, items, err := b.items(target)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(items))
	for i, item := range items {
		keys[i] = item.Key
	}
	return keys, nil
}

// GetAllItems returns every entry in the target in entry order.
func (b *Broker) GetAllItems(target string) ([]broker.Item, error) {
	_, items, err := b.items(target)
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Pop removes and returns the oldest entry in the target.
func (b *Broker) Pop(target string) (broker.Item, error) {
	lock := b.targetLock(target)
	lock.Lock()
	defer lock.Unlock()

	element, err := b.client.LPop(b.ctx, b.targetKey(target)).Result()
	if err == goredis.Nil {
		return broker.Item{}, broker.ErrNotFound
	}
	if err != nil {
		return broker.Item{}, fmt.Errorf("failed to pop from target %s: %w", target, err)
	}

	var item broker.Item
	if err := json.Unmarshal([]byte(element), &item); err != nil {
		return broker.Item{}, fmt.Errorf("failed to unmarshal broker entry: %w", err)
	}
	return item, nil
}

// IsItem reports whether the target contains the key.
func (b *Broker) IsItem(target, key string) (bool, error) {
	_, err := b.Get(target, key)
	if err == broker.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
