package jobs

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgstore/pkg/engine"
	"msgstore/pkg/telemetry"
)

func uniqueIDs(records []Record) []string {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.Base().UniqueID)
	}
	return ids
}

func allRecords(t *testing.T, db *engine.DB, label string, status Status) []string {
	t.Helper()
	var ids []string
	require.NoError(t, db.Read(func(tx *engine.ReadTx) error {
		records, err := AllRecords(tx, label, status)
		require.NoError(t, err)
		ids = uniqueIDs(records)
		return nil
	}))
	return ids
}

func TestFinderMatchesLabelAndStatus(t *testing.T) {
	db := openTestDB(t)
	first := save(t, db, NewMessageSenderJobRecord("message_sender", "m1", "t", nil, false))
	second := save(t, db, NewMessageSenderJobRecord("message_sender", "m2", "t", nil, false))
	other := save(t, db, NewSessionResetJobRecord("session_reset", "t"))

	assert.Equal(t, []string{first.Base().UniqueID, second.Base().UniqueID}, allRecords(t, db, "message_sender", StatusReady))
	assert.Equal(t, []string{other.Base().UniqueID}, allRecords(t, db, "session_reset", StatusReady))
	assert.Empty(t, allRecords(t, db, "message_sender", StatusRunning))

	require.NoError(t, db.ReadWrite(func(tx *engine.ReadWriteTx) error {
		_, err := MarkStarted(tx, first.Base().UniqueID)
		return err
	}))
	assert.Equal(t, []string{second.Base().UniqueID}, allRecords(t, db, "message_sender", StatusReady))
	assert.Equal(t, []string{first.Base().UniqueID}, allRecords(t, db, "message_sender", StatusRunning))

	require.NoError(t, db.Read(func(tx *engine.ReadTx) error {
		next, ok, err := NextReady(tx, "message_sender")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, second.Base().UniqueID, next.Base().UniqueID)

		_, ok, err = NextReady(tx, "nothing")
		require.NoError(t, err)
		assert.False(t, ok)

		n, err := Count(tx, "message_sender", StatusRunning)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return nil
	}))
}

func TestFinderRequiresRegistration(t *testing.T) {
	db, err := engine.Open(engine.Options{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	save(t, db, NewJobRecord("l"))

	require.NoError(t, db.Read(func(tx *engine.ReadTx) error {
		_, err := AllRecords(tx, "l", StatusReady)
		assert.ErrorIs(t, err, ErrIndexUnavailable)
		_, err = Count(tx, "l", StatusReady)
		assert.ErrorIs(t, err, ErrIndexUnavailable)
		_, _, err = NextReady(tx, "l")
		assert.ErrorIs(t, err, ErrIndexUnavailable)
		return nil
	}))

	// registering later indexes what is already stored
	require.NoError(t, RegisterExtensions(db))
	assert.Len(t, allRecords(t, db, "l", StatusReady), 1)
}

func TestUndecodableJobsAreSkippedByIndex(t *testing.T) {
	db := openTestDB(t)
	counter := telemetry.DecodeFailures.WithLabelValues(RecordTypeJobRecord.String(), reasonFutureVersion)
	before := testutil.ToFloat64(counter)

	d := baseDict(RecordTypeJobRecord, SchemaVersion+1)
	d[fStatus] = uint32(StatusReady)
	d[fLabel] = "l"
	plant(t, db, "future", d)
	plant(t, db, "future", d)
	good := save(t, db, NewJobRecord("l"))

	assert.Equal(t, []string{good.Base().UniqueID}, allRecords(t, db, "l", StatusReady))
	assert.Equal(t, before, testutil.ToFloat64(counter), "indexing must not report")

	_, _, err := fetch(t, db, "future")
	assert.ErrorIs(t, err, ErrFutureVersion)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestEnumerateAndLabels(t *testing.T) {
	db := openTestDB(t)
	a := save(t, db, NewJobRecord("a"))
	b := save(t, db, NewSessionResetJobRecord("b", "t"))
	c := save(t, db, NewJobRecord("a"))
	plant(t, db, "broken", baseDict(RecordType(42), SchemaVersion))
	require.NoError(t, db.ReadWrite(func(tx *engine.ReadWriteTx) error {
		_, err := MarkStarted(tx, c.Base().UniqueID)
		return err
	}))

	var (
		ids    []string
		failed []string
	)
	require.NoError(t, db.Read(func(tx *engine.ReadTx) error {
		return Enumerate(tx, func(id string, r Record, err error) bool {
			if err != nil {
				assert.ErrorIs(t, err, ErrUnknownRecordType)
				assert.Nil(t, r)
				failed = append(failed, id)
				return true
			}
			ids = append(ids, id)
			return true
		})
	}))
	assert.Equal(t, []string{a.Base().UniqueID, b.Base().UniqueID, c.Base().UniqueID}, ids)
	assert.Equal(t, []string{"broken"}, failed)

	require.NoError(t, db.Read(func(tx *engine.ReadTx) error {
		labels, err := Labels(tx)
		require.NoError(t, err)
		assert.Equal(t, map[string]map[Status]int{
			"a": {StatusReady: 1, StatusRunning: 1},
			"b": {StatusReady: 1},
		}, labels)
		return nil
	}))

	var visited int
	require.NoError(t, db.Read(func(tx *engine.ReadTx) error {
		return Enumerate(tx, func(string, Record, error) bool {
			visited++
			return false
		})
	}))
	assert.Equal(t, 1, visited)
}
