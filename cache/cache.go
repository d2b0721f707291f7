// Package cache persists finished request results keyed by request
// fingerprint, preserving insertion order for the all-requests listing.
package cache

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"umapi.wikimetrics.org/request"
)

const (
	dataBucket  = "results"
	orderBucket = "order"
)

// ErrNotFound is returned when no result is cached for a fingerprint.
var ErrNotFound = errors.New("cache: result not found")

// Entry is one cached result: the payload delivered to clients and the
// unhashed key signature it was computed for.
type Entry struct {
	Payload      string   `json:"payload"`
	KeySignature []string `json:"key_signature"`
}

// Cache stores result payloads in a bbolt database. Two buckets: one
// maps fingerprint to entry, the other records insertion order as a
// big-endian sequence number to fingerprint mapping.
type Cache struct {
	db *bolt.DB
}

// Open opens or creates the result cache at path.
func Open(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open result cache: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{dataBucket, orderBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the cached payload for the request's fingerprint.
func (c *Cache) Get(r *request.Request) (string, error) {
	fingerprint := r.Fingerprint()
	if fingerprint == "" {
		return "", ErrNotFound
	}
	return c.GetByFingerprint(fingerprint)
}

// GetByFingerprint returns the cached payload for a raw fingerprint.
func (c *Cache) GetByFingerprint(fingerprint string) (string, error) {
	var payload string
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(dataBucket)).Get([]byte(fingerprint))
		if data == nil {
			return ErrNotFound
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return fmt.Errorf("corrupt cache entry %s: %w", fingerprint, err)
		}
		payload = entry.Payload
		return nil
	})
	return payload, err
}

// Set stores the result payload for the request. Overwriting an existing
// fingerprint keeps its original position in the listing order.
func (c *Cache) Set(r *request.Request, payload string) error {
	sig := r.KeySignature()
	if sig == nil {
		return fmt.Errorf("cannot cache a request without a key signature")
	}
	fingerprint := request.HashSignature(sig)

	data, err := json.Marshal(Entry{Payload: payload, KeySignature: sig})
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		results := tx.Bucket([]byte(dataBucket))
		if results.Get([]byte(fingerprint)) == nil {
			order := tx.Bucket([]byte(orderBucket))
			seq, err := order.NextSequence()
			if err != nil {
				return fmt.Errorf("failed to allocate cache sequence: %w", err)
			}
			var key [8]byte
			binary.BigEndian.PutUint64(key[:], seq)
			if err := order.Put(key[:], []byte(fingerprint)); err != nil {
				return fmt.Errorf("failed to record cache order: %w", err)
			}
		}
		return results.Put([]byte(fingerprint), data)
	})
}

// Contains reports whether a result is cached for the fingerprint.
func (c *Cache) Contains(fingerprint string) bool {
	_, err := c.GetByFingerprint(fingerprint)
	return err == nil
}

// Items returns every cached entry in insertion order.
func (c *Cache) Items() ([]Entry, error) {
	var entries []Entry
	err := c.db.View(func(tx *bolt.Tx) error {
		results := tx.Bucket([]byte(dataBucket))
		return tx.Bucket([]byte(orderBucket)).ForEach(func(_, fingerprint []byte) error {
			data := results.Get(fingerprint)
			if data == nil {
				return nil
			}
			var entry Entry
			if err := json.Unmarshal(data, &entry); err != nil {
				return fmt.Errorf("corrupt cache entry %s: %w", fingerprint, err)
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}
