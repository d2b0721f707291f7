package broker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"umapi.wikimetrics.org/common"
)

// FileBroker persists each target as a newline-delimited JSON file: one
// {"key": "value"} object per line, appended in arrival order. Reads that
// hit an unparseable line log it and skip it; a corrupt entry is never
// fatal to the pipeline.
//
// Operations on the same target are serialized by a per-target mutex, so a
// FileBroker is safe for concurrent use within one process. It takes no
// cross-process lock: exactly one controller may own a broker directory.
type FileBroker struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileBroker creates a broker rooted at dir, creating the directory if
// necessary.
func NewFileBroker(dir string) (*FileBroker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create broker dir: %w", err)
	}
	return &FileBroker{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

func (b *FileBroker) targetLock(target string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[target]
	if !ok {
		l = &sync.Mutex{}
		b.locks[target] = l
	}
	return l
}

func (b *FileBroker) path(target string) string {
	return filepath.Join(b.dir, target+".txt")
}

// readItems loads every parseable entry of a target in file order. A
// missing file is an empty target.
func (b *FileBroker) readItems(target string) ([]Item, error) {
	f, err := os.Open(b.path(target))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open target %s: %w", target, err)
	}
	defer f.Close()

	var items []Item
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var entry map[string]string
		if err := json.Unmarshal(raw, &entry); err != nil || len(entry) != 1 {
			common.Logger.WithFields(map[string]interface{}{
				"target": target,
				"line":   line,
			}).Error("skipping corrupt broker entry")
			continue
		}
		for k, v := range entry {
			items = append(items, Item{Key: k, Value: v})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read target %s: %w", target, err)
	}
	return items, nil
}

// writeItems replaces the target file with the given entries. The write
// goes through a temp file and rename so a crash never leaves a
// half-written target.
func (b *FileBroker) writeItems(target string, items []Item) error {
	tmp, err := os.CreateTemp(b.dir, target+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp target file: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for _, item := range items {
		data, err := json.Marshal(map[string]string{item.Key: item.Value})
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("failed to marshal broker entry: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("failed to write broker entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to flush target %s: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp target file: %w", err)
	}
	if err := os.Rename(tmp.Name(), b.path(target)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace target %s: %w", target, err)
	}
	return nil
}

// Add appends an entry to the target file.
func (b *FileBroker) Add(target, key, value string) error {
	lock := b.targetLock(target)
	lock.Lock()
	defer lock.Unlock()

	data, err := json.Marshal(map[string]string{key: value})
	if err != nil {
		return fmt.Errorf("failed to marshal broker entry: %w", err)
	}

	f, err := os.OpenFile(b.path(target), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open target %s: %w", target, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append to target %s: %w", target, err)
	}
	return nil
}

// Remove deletes the first entry matching key. Absent keys are a no-op.
func (b *FileBroker) Remove(target, key string) error {
	lock := b.targetLock(target)
	lock.Lock()
	defer lock.Unlock()

	items, err := b.readItems(target)
	if err != nil {
		return err
	}
	for i, item := range items {
		if item.Key == key {
			return b.writeItems(target, append(items[:i:i], items[i+1:]...))
		}
	}
	return nil
}

// Update replaces the value of the first entry matching key. Absent keys
// are a no-op.
func (b *FileBroker) Update(target, key, value string) error {
	lock := b.targetLock(target)
	lock.Lock()
	defer lock.Unlock()

	items, err := b.readItems(target)
	if err != nil {
		return err
	}
	for i, item := range items {
		if item.Key == key {
			items[i].Value = value
			return b.writeItems(target, items)
		}
	}
	return nil
}

// Get returns the value of the first entry matching key.
func (b *FileBroker) Get(target, key string) (string, error) {
	lock := b.targetLock(target)
	lock.Lock()
	defer lock.Unlock()

	items, err := b.readItems(target)
	if err != nil {
		return "", err
	}
	for _, item := range items {
		if item.Key == key {
			return item.Value, nil
		}
	}
	return "", ErrNotFound
}

// GetKeys returns every key in the target in entry order.
func (b *FileBroker) GetKeys(target string) ([]string, error) {
	lock := b.targetLock(target)
	lock.Lock()
	defer lock.Unlock()

	items, err := b.readItems(target)
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
func (b *FileBroker) GetAllItems(target string) ([]Item, error) {
	lock := b.targetLock(target)
	lock.Lock()
	defer lock.Unlock()

	return b.readItems(target)
}

// Pop removes and returns the oldest entry in the target.
func (b *FileBroker) Pop(target string) (Item, error) {
	lock := b.targetLock(target)
	lock.Lock()
	defer lock.Unlock()

	items, err := b.readItems(target)
	if err != nil {
		return Item{}, err
	}
	if len(items) == 0 {
		return Item{}, ErrNotFound
	}
	if err := b.writeItems(target, items[1:]); err != nil {
		return Item{}, err
	}
	return items[0], nil
}

// IsItem reports whether the target contains the key.
func (b *FileBroker) IsItem(target, key string) (bool, error) {
	_, err := b.Get(target, key)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
