//go:build debug

package kv

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"msgstore/pkg/logger"
)

type snapshotFile struct {
	Collection string          `yaml:"collection"`
	TakenAt    string          `yaml:"taken_at"`
	Entries    []snapshotEntry `yaml:"entries"`
}

type snapshotEntry struct {
	Key string `yaml:"key"`
	// Kind is informational; restore writes Value back byte for byte.
	Kind  string `yaml:"kind"`
	Value string `yaml:"value"`
}

// SnapshotCollection writes every stored value of collection to path.
func SnapshotCollection(tx Reader, collection, path string) error {
	snap := snapshotFile{Collection: collection, TakenAt: time.Now().UTC().Format(time.RFC3339)}
	err := tx.EnumerateKeysAndValues(collection, func(key string, value []byte) bool {
		kind := "raw"
		if v, err := Decode(value); err == nil {
			kind = v.Kind().String()
		}
		snap.Entries = append(snap.Entries, snapshotEntry{Key: key, Kind: kind, Value: hex.EncodeToString(value)})
		return true
	})
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", collection, err)
	}
	b, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", collection, err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("snapshot %s: %w", collection, err)
	}
	logger.Debug("collection_snapshot_written", "collection", collection, "path", path, "entries", len(snap.Entries))
	return nil
}

// RestoreSnapshotOfCollection replaces the contents of collection with the
// snapshot at path.
func RestoreSnapshotOfCollection(tx Writer, collection, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("restore %s: %w", collection, err)
	}
	var snap snapshotFile
	if err := yaml.Unmarshal(b, &snap); err != nil {
		return fmt.Errorf("restore %s: %w", collection, err)
	}
	if snap.Collection != collection {
		return fmt.Errorf("restore %s: snapshot is of collection %q", collection, snap.Collection)
	}
	values := make(map[string][]byte, len(snap.Entries))
	for _, e := range snap.Entries {
		v, err := hex.DecodeString(e.Value)
		if err != nil {
			return fmt.Errorf("restore %s: key %q: %w", collection, e.Key, err)
		}
		values[e.Key] = v
	}

	if err := NewStore(collection).RemoveAll(tx); err != nil {
		return fmt.Errorf("restore %s: %w", collection, err)
	}
	for _, e := range snap.Entries {
		if err := tx.Set(collection, e.Key, values[e.Key]); err != nil {
			return fmt.Errorf("restore %s: key %q: %w", collection, e.Key, err)
		}
	}
	logger.Debug("collection_snapshot_restored", "collection", collection, "path", path, "entries", len(snap.Entries))
	return nil
}
