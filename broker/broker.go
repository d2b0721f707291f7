// Package broker defines the durable key/value store that coordinates the
// request pipeline. A broker holds named targets; each target behaves both
// as a FIFO queue (Add/Pop) and as a map keyed by request fingerprint
// (Get/Remove/Update/IsItem). All state survives process restarts, which is
// what lets the frontend, job controller and response handler run as
// independent processes with no shared memory.
package broker

import "errors"

// Standard target names used by the request pipeline.
const (
	TargetRequest  = "request"
	TargetProcess  = "process"
	TargetResponse = "response"
)

// ErrNotFound is returned by Get and Pop when no matching entry exists.
var ErrNotFound = errors.New("broker: entry not found")

// Item is a single broker entry: one key mapped to one value.
type Item struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Broker is the coordination surface shared by the frontend, controller and
// response handler. Implementations must make every operation atomic with
// respect to other operations on the same target. Duplicate keys are
// permitted; Get, Remove and Update observe the first match only, and Pop
// observes FIFO order of Add calls.
type Broker interface {
	// Add appends a new entry to the target.
	Add(target, key, value string) error

	// Remove deletes the first entry with the given key. Removing an
	// absent key is not an error.
	Remove(target, key string) error

	// Update replaces the value of the first entry with the given key.
	// Updating an absent key is not an error.
	Update(target, key, value string) error

	// Get returns the value of the first entry with the given key, or
	// ErrNotFound.
	Get(target, key string) (string, error)

	// GetKeys returns all keys in the target in entry order.
	GetKeys(target string) ([]string, error)

	// GetAllItems returns all entries in the target in entry order.
	GetAllItems(target string) ([]Item, error)

	// Pop removes and returns the oldest entry, or ErrNotFound when the
	// target is empty.
	Pop(target string) (Item, error)

	// IsItem reports whether the target contains the key.
	IsItem(target, key string) (bool, error)
}
