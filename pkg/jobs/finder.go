package jobs

import (
	"fmt"
	"sort"

	"msgstore/pkg/engine"
	"msgstore/pkg/extensions"
	"msgstore/pkg/kv"
	"msgstore/pkg/logger"
)

// IndexName is the secondary index the finder queries.
const IndexName = "YAPDBJobRecordFinderExtensionName"

const (
	columnLabel       = "label"
	columnStatus      = "status"
	columnLabelStatus = "label_status"
)

// Tx is what the finder needs from a transaction.
type Tx interface {
	kv.Getter
	extensions.Resolver
}

func Definition() engine.Definition {
	return engine.SecondaryIndexDefinition{
		Name:        IndexName,
		Version:     1,
		Collections: []string{Collection},
		Index:       indexColumns,
	}
}

// RegisterExtensions attaches the job record index to db.
func RegisterExtensions(db *engine.DB) error {
	if err := db.RegisterExtension(Definition()); err != nil {
		return fmt.Errorf("register job record index: %w", err)
	}
	return nil
}

// labelStatus joins the two columns. Status is all digits, so the last ':'
// always separates them.
func labelStatus(label string, status Status) string {
	return fmt.Sprintf("%s:%d", label, uint32(status))
}

// indexColumns leaves undecodable records out without reporting them; they
// are reported when something fetches them.
func indexColumns(g engine.Getter, _, key string, _ []byte) map[string]string {
	r, ok, err := decode(g, key)
	if err != nil || !ok {
		return nil
	}
	b := r.Base()
	return map[string]string{
		columnLabel:       b.Label,
		columnStatus:      fmt.Sprintf("%d", uint32(b.Status)),
		columnLabelStatus: labelStatus(b.Label, b.Status),
	}
}

func unavailable(query string) error {
	logger.Warn("job_index_unavailable", "query", query, "extension", IndexName)
	return fmt.Errorf("%s: %w: %s", query, ErrIndexUnavailable, IndexName)
}

// AllRecords returns the records with label and status in SortID order.
func AllRecords(tx Tx, label string, status Status) ([]Record, error) {
	idx, ok := extensions.SafeSecondaryIndex(tx, IndexName)
	if !ok {
		return nil, unavailable("all_records")
	}
	var (
		out      []Record
		fetchErr error
	)
	err := idx.EnumerateKeysMatching(columnLabelStatus, labelStatus(label, status), func(_, key string) bool {
		r, ok, err := Fetch(tx, key)
		if err != nil {
			fetchErr = err
			return false
		}
		if ok {
			out = append(out, r)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if fetchErr != nil {
		return nil, fetchErr
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Base().SortID < out[j].Base().SortID })
	return out, nil
}

// NextReady returns the oldest ready record with label.
func NextReady(tx Tx, label string) (Record, bool, error) {
	ready, err := AllRecords(tx, label, StatusReady)
	if err != nil || len(ready) == 0 {
		return nil, false, err
	}
	return ready[0], true, nil
}

// Count returns how many records have label and status.
func Count(tx Tx, label string, status Status) (int, error) {
	idx, ok := extensions.SafeSecondaryIndex(tx, IndexName)
	if !ok {
		return 0, unavailable("count")
	}
	return idx.CountMatching(columnLabelStatus, labelStatus(label, status))
}

// Labels lists every label with at least one record and how many records
// each has per status.
func Labels(tx kv.Reader) (map[string]map[Status]int, error) {
	out := map[string]map[Status]int{}
	err := Enumerate(tx, func(_ string, r Record, err error) bool {
		if err != nil {
			return true
		}
		b := r.Base()
		if out[b.Label] == nil {
			out[b.Label] = map[Status]int{}
		}
		out[b.Label][b.Status]++
		return true
	})
	return out, err
}

// Enumerate decodes every job record in SortID order. Records that fail to
// decode follow the rest in key order, passed to fn with a nil record.
func Enumerate(tx kv.Reader, fn func(id string, r Record, err error) bool) error {
	var ids []string
	if err := tx.EnumerateKeysAndValues(Collection, func(key string, _ []byte) bool {
		ids = append(ids, key)
		return true
	}); err != nil {
		return err
	}
	type failed struct {
		id  string
		err error
	}
	var (
		records []Record
		bad     []failed
	)
	for _, id := range ids {
		r, ok, err := Fetch(tx, id)
		switch {
		case err != nil:
			bad = append(bad, failed{id, err})
		case ok:
			records = append(records, r)
		}
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Base().SortID < records[j].Base().SortID })
	for _, r := range records {
		if !fn(r.Base().UniqueID, r, nil) {
			return nil
		}
	}
	for _, f := range bad {
		if !fn(f.id, nil, f.err) {
			return nil
		}
	}
	return nil
}
