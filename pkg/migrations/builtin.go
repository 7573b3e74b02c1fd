package migrations

import (
	"context"

	"msgstore/pkg/engine"
	"msgstore/pkg/interaction"
	"msgstore/pkg/kv"
	"msgstore/pkg/logger"
)

const codecVersionsKey = "codec_versions"

// upgrade batch size for reindex_interactions
const reindexBatch = 256

// Builtins returns the migrations every store goes through, in order.
func Builtins() []Migration {
	return []Migration{
		{ID: "stamp_codec_versions", Run: stampCodecVersions},
		{ID: "reindex_interactions", Run: reindexInteractions},
	}
}

// CodecVersions returns the table stamp_codec_versions recorded.
func CodecVersions(tx kv.Getter) (map[string]any, bool) {
	return system.GetDictionary(tx, codecVersionsKey)
}

func stampCodecVersions(_ context.Context, db *engine.DB) error {
	table := make(map[string]any)
	for rt, v := range interaction.CurrentVersions() {
		table[rt.String()] = map[string]any{
			"schemaVersion":        v[0],
			"variantSchemaVersion": v[1],
			"deprecated":           rt.Deprecated(),
		}
	}
	return db.ReadWrite(func(tx *engine.ReadWriteTx) error {
		return system.SetDictionary(tx, codecVersionsKey, table)
	})
}

// reindexInteractions rewrites current-variant records whose header lags
// the current schema. Deprecated and undecodable records are left as they
// are.
func reindexInteractions(ctx context.Context, db *engine.DB) error {
	current := interaction.CurrentVersions()
	var stale []string
	err := db.Read(func(tx *engine.ReadTx) error {
		return interaction.EnumerateIDs(tx, func(id string) bool {
			rt, b, v, ok := interaction.Versions(tx, id)
			if !ok || rt.Deprecated() {
				return true
			}
			want, known := current[rt]
			if known && (b < want[0] || v < want[1]) {
				stale = append(stale, id)
			}
			return true
		})
	})
	if err != nil {
		return err
	}

	upgraded, skipped := 0, 0
	for start := 0; start < len(stale); start += reindexBatch {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+reindexBatch, len(stale))
		err := db.ReadWrite(func(tx *engine.ReadWriteTx) error {
			for _, id := range stale[start:end] {
				m, ok, err := interaction.Fetch(tx, id)
				if err != nil || !ok {
					skipped++
					continue
				}
				if _, err := interaction.Upgrade(tx, m); err != nil {
					return err
				}
				upgraded++
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	logger.Info("[MIGRATIONS] interactions_reindexed", "upgraded", upgraded, "skipped", skipped)
	return nil
}
