package migrations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"msgstore/pkg/engine"
	"msgstore/pkg/extensions"
	"msgstore/pkg/kv"
	"msgstore/pkg/logger"
)

const (
	systemCollection = "system"
	versionKey       = "version"
	inProgressKey    = "in_progress"

	// CompletedCollection maps a migration id to its completion date.
	CompletedCollection = "OWSDatabaseMigration"
	// ViewName orders completed migrations by completion date.
	ViewName = "OWSDatabaseMigrationView"

	completedGroup = "completed"
)

var ErrViewUnavailable = errors.New("migrations: completion view is not registered")

// Migration is one idempotent upgrade step. Run is called at most once per
// store unless it fails.
type Migration struct {
	ID  string
	Run func(ctx context.Context, db *engine.DB) error
}

var system = kv.NewStore(systemCollection)

// RegisterView attaches the completion view to db.
func RegisterView(db *engine.DB) error {
	return db.RegisterExtension(engine.OrderedViewDefinition{
		Name:        ViewName,
		Version:     1,
		Collections: []string{CompletedCollection},
		Grouping: func(_ engine.Getter, _, key string, value []byte) (string, string, bool) {
			v, err := kv.Decode(value)
			if err != nil {
				return "", "", false
			}
			at, ok := v.(kv.DateValue)
			if !ok {
				return "", "", false
			}
			return completedGroup, fmt.Sprintf("%020d", time.Time(at).UnixMilli()), true
		},
	})
}

// Tx is the read surface Completed needs.
type Tx interface {
	kv.Getter
	extensions.Resolver
}

// Completed lists the ids of completed migrations, oldest first.
func Completed(tx Tx) ([]string, error) {
	view, ok := extensions.SafeView(tx, ViewName)
	if !ok {
		return nil, ErrViewUnavailable
	}
	var ids []string
	err := view.EnumerateKeysInGroup(completedGroup, func(_, key string, _ int) bool {
		ids = append(ids, key)
		return true
	})
	return ids, err
}

// CompletedAt reports when the migration id finished.
func CompletedAt(tx kv.Getter, id string) (time.Time, bool) {
	return kv.GetDate(tx, id, CompletedCollection)
}

// StoredVersion returns the version the store was last migrated to.
func StoredVersion(tx kv.Getter) (string, bool) {
	return system.GetString(tx, versionKey)
}

func startMigration(db *engine.DB, from, to string) error {
	marker := map[string]any{
		"from":       from,
		"to":         to,
		"started_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := db.ReadWrite(func(tx *engine.ReadWriteTx) error {
		return system.SetDictionary(tx, inProgressKey, marker)
	}); err != nil {
		logger.Error("[MIGRATIONS] write_inprogress_failed", "error", err)
		return fmt.Errorf("failed to write in-progress marker: %w", err)
	}
	logger.Info("[MIGRATIONS] migration_start", "from", from, "to", to)
	return nil
}

func finishMigration(db *engine.DB, to string) error {
	err := db.ReadWrite(func(tx *engine.ReadWriteTx) error {
		if err := system.SetString(tx, versionKey, &to); err != nil {
			return err
		}
		return system.RemoveValue(tx, inProgressKey)
	})
	if err != nil {
		logger.Error("[MIGRATIONS] persist_version_failed", "version", to, "error", err)
		return fmt.Errorf("failed to persist new version: %w", err)
	}
	logger.Info("[MIGRATIONS] version_persisted", "version", to)
	return nil
}

func pending(db *engine.DB, all []Migration) ([]Migration, string, error) {
	var (
		out    []Migration
		stored string
	)
	err := db.Read(func(tx *engine.ReadTx) error {
		stored, _ = StoredVersion(tx)
		if marker, ok := system.GetDictionary(tx, inProgressKey); ok {
			logger.Warn("[MIGRATIONS] interrupted_run_found", "from", marker["from"], "to", marker["to"], "started_at", marker["started_at"])
		}
		for _, m := range all {
			if _, done := CompletedAt(tx, m.ID); !done {
				out = append(out, m)
			}
		}
		return nil
	})
	return out, stored, err
}

// Run brings the store to version by running every built-in migration that
// has not completed yet. It reports whether anything was done.
func Run(ctx context.Context, db *engine.DB, version string) (bool, error) {
	return RunMigrations(ctx, db, version, Builtins())
}

// RunMigrations is Run over an explicit migration list.
func RunMigrations(ctx context.Context, db *engine.DB, version string, all []Migration) (bool, error) {
	logger.Info("[MIGRATIONS] migration_run_invoked", "new_version", version)
	todo, stored, err := pending(db, all)
	if err != nil {
		logger.Error("[MIGRATIONS] read_version_failed", "error", err)
		return false, err
	}
	if stored == version && len(todo) == 0 {
		logger.Info("[MIGRATIONS] migration_version_up_to_date", "version", version)
		return false, nil
	}
	logger.Info("[MIGRATIONS] migration_upgrade_required", "from", stored, "to", version, "pending", len(todo))

	if db.ReadOnly() {
		logger.Warn("[MIGRATIONS] migration_skipped_read_only", "pending", len(todo))
		return false, nil
	}

	if err := startMigration(db, stored, version); err != nil {
		return true, err
	}
	for _, m := range todo {
		if err := ctx.Err(); err != nil {
			return true, err
		}
		started := time.Now()
		if err := m.Run(ctx, db); err != nil {
			logger.Error("[MIGRATIONS] migration_failed", "id", m.ID, "error", err)
			return true, fmt.Errorf("migration %s: %w", m.ID, err)
		}
		if err := db.ReadWrite(func(tx *engine.ReadWriteTx) error {
			return kv.SetDate(tx, m.ID, CompletedCollection, time.Now())
		}); err != nil {
			return true, fmt.Errorf("record migration %s: %w", m.ID, err)
		}
		logger.Info("[MIGRATIONS] migration_completed", "id", m.ID, "took", time.Since(started).String())
	}
	if err := finishMigration(db, version); err != nil {
		return true, err
	}
	return true, nil
}
