package interaction

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgstore/pkg/engine"
	"msgstore/pkg/telemetry"
)

func openIndexedDB(t *testing.T) *engine.DB {
	t.Helper()
	db := openTestDB(t)
	require.NoError(t, RegisterExtensions(db))
	return db
}

func msg(id, thread, body string, sortID, ts uint64) Interaction {
	return Interaction{UniqueID: id, UniqueThreadID: thread, Body: body, SortID: sortID, Timestamp: ts}
}

func threadIDs(t *testing.T, db *engine.DB, thread string) []string {
	t.Helper()
	var ids []string
	require.NoError(t, db.Read(func(tx *engine.ReadTx) error {
		return EnumerateThread(tx, thread, func(m Message, index int) bool {
			assert.Equal(t, len(ids), index)
			ids = append(ids, m.Base().UniqueID)
			return true
		})
	}))
	return ids
}

func TestThreadView(t *testing.T) {
	db := openIndexedDB(t)
	saveMsg(t, db, NewOutgoingMessage(msg("m3", "t1", "", 3, 300)))
	saveMsg(t, db, NewIncomingMessage(msg("m1", "t1", "", 1, 100), "a", 1))
	saveMsg(t, db, NewInfoMessage(msg("m2", "t1", "", 2, 200), InfoTypeGroupUpdate))
	saveMsg(t, db, NewIncomingMessage(msg("other", "t2", "", 4, 50), "b", 1))

	assert.Equal(t, []string{"m1", "m2", "m3"}, threadIDs(t, db, "t1"))
	assert.Equal(t, []string{"other"}, threadIDs(t, db, "t2"))

	require.NoError(t, db.Read(func(tx *engine.ReadTx) error {
		n, err := CountThread(tx, "t1")
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		threads, err := Threads(tx)
		require.NoError(t, err)
		assert.Equal(t, []string{"t1", "t2"}, threads)

		last, ok, err := LastInteraction(tx, "t1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "m3", last.Base().UniqueID)
		return nil
	}))

	// moving a message to another thread reindexes it
	saveMsg(t, db, NewOutgoingMessage(msg("m3", "t2", "", 3, 300)))
	assert.Equal(t, []string{"m1", "m2"}, threadIDs(t, db, "t1"))
	assert.Equal(t, []string{"m3", "other"}, threadIDs(t, db, "t2"))

	require.NoError(t, db.ReadWrite(func(tx *engine.ReadWriteTx) error {
		return Remove(tx, "m1")
	}))
	assert.Equal(t, []string{"m2"}, threadIDs(t, db, "t1"))
}

func TestThreadViewOrdersLegacyRecords(t *testing.T) {
	db := openIndexedDB(t)
	saveMsg(t, db, NewIncomingMessage(msg("new", "t", "", 1, 500), "a", 1))

	legacy := NewIncomingMessage(msg("old", "t", "", 0, 100), "a", 1)
	plant(t, db, "old", RecordTypeIncomingMessage, 1, 1, allValues(legacy))

	assert.Equal(t, []string{"old", "new"}, threadIDs(t, db, "t"))
}

func TestUnreadCount(t *testing.T) {
	db := openIndexedDB(t)
	a := NewIncomingMessage(msg("a", "t", "", 1, 1), "x", 1)
	b := NewIncomingMessage(msg("b", "t", "", 2, 2), "x", 1)
	saveMsg(t, db, a)
	saveMsg(t, db, b)
	saveMsg(t, db, NewOutgoingMessage(msg("c", "t", "", 3, 3)))
	saveMsg(t, db, NewErrorMessage(msg("d", "t", "", 4, 4), ErrorTypeNoSession))

	unread := func() int {
		var n int
		require.NoError(t, db.Read(func(tx *engine.ReadTx) error {
			var err error
			n, err = UnreadCount(tx, "t")
			return err
		}))
		return n
	}
	assert.Equal(t, 2, unread())

	a.Read = true
	saveMsg(t, db, a)
	assert.Equal(t, 1, unread())
}

func TestFindByTimestamp(t *testing.T) {
	db := openIndexedDB(t)
	saveMsg(t, db, NewIncomingMessage(msg("a", "t1", "", 1, 1000), "x", 1))
	saveMsg(t, db, NewOutgoingMessage(msg("b", "t2", "", 2, 1000)))
	saveMsg(t, db, NewOutgoingMessage(msg("c", "t2", "", 3, 2000)))

	var ids []string
	require.NoError(t, db.Read(func(tx *engine.ReadTx) error {
		return FindByTimestamp(tx, 1000, func(m Message) bool {
			ids = append(ids, m.Base().UniqueID)
			return true
		})
	}))
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestSearch(t *testing.T) {
	db := openIndexedDB(t)
	saveMsg(t, db, NewIncomingMessage(msg("a", "t", "Hello brave new world", 1, 1), "x", 1))
	saveMsg(t, db, NewIncomingMessage(msg("b", "t", "hello there", 2, 2), "x", 1))
	saveMsg(t, db, NewIncomingMessage(msg("c", "t", "goodbye world", 3, 3), "x", 1))

	search := func(q string) []string {
		var ids []string
		require.NoError(t, db.Read(func(tx *engine.ReadTx) error {
			return Search(tx, q, func(m Message) bool {
				ids = append(ids, m.Base().UniqueID)
				return true
			})
		}))
		return ids
	}
	assert.ElementsMatch(t, []string{"a", "b"}, search("hello"))
	assert.ElementsMatch(t, []string{"a"}, search("hello world"))
	assert.ElementsMatch(t, []string{"a", "c"}, search("wor*"))
	assert.Empty(t, search("missing"))
}

func TestRegisterIndexesExistingRecords(t *testing.T) {
	db := openTestDB(t)
	saveMsg(t, db, NewIncomingMessage(msg("a", "t", "findme", 1, 1), "x", 1))
	saveMsg(t, db, NewIncomingMessage(msg("b", "t", "", 2, 2), "x", 1))
	require.NoError(t, RegisterExtensions(db))

	assert.Equal(t, []string{"a", "b"}, threadIDs(t, db, "t"))
	require.NoError(t, db.Read(func(tx *engine.ReadTx) error {
		n, err := UnreadCount(tx, "t")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		return nil
	}))
}

func TestQueriesWithoutExtensions(t *testing.T) {
	db := openTestDB(t)
	saveMsg(t, db, NewIncomingMessage(msg("a", "t", "body", 1, 1), "x", 1))

	called := false
	require.NoError(t, db.Read(func(tx *engine.ReadTx) error {
		err := EnumerateThread(tx, "t", func(Message, int) bool { called = true; return true })
		assert.ErrorIs(t, err, ErrIndexUnavailable)
		_, err = CountThread(tx, "t")
		assert.ErrorIs(t, err, ErrIndexUnavailable)
		_, err = Threads(tx)
		assert.ErrorIs(t, err, ErrIndexUnavailable)
		_, _, err = LastInteraction(tx, "t")
		assert.ErrorIs(t, err, ErrIndexUnavailable)
		_, err = UnreadCount(tx, "t")
		assert.ErrorIs(t, err, ErrIndexUnavailable)
		err = FindByTimestamp(tx, 1, func(Message) bool { called = true; return true })
		assert.ErrorIs(t, err, ErrIndexUnavailable)
		err = Search(tx, "body", func(Message) bool { called = true; return true })
		assert.ErrorIs(t, err, ErrIndexUnavailable)
		return nil
	}))
	assert.False(t, called)
}

func TestQueriesWithWrongExtensionKind(t *testing.T) {
	db := openTestDB(t)
	// an ordered view registered where an auto view is expected
	require.NoError(t, db.RegisterExtension(engine.OrderedViewDefinition{
		Name:        ThreadViewName,
		Version:     1,
		Collections: []string{HeaderCollection},
		Grouping:    threadGrouping,
	}))
	saveMsg(t, db, NewIncomingMessage(msg("a", "t", "", 1, 1), "x", 1))

	require.NoError(t, db.Read(func(tx *engine.ReadTx) error {
		_, err := CountThread(tx, "t")
		assert.ErrorIs(t, err, ErrIndexUnavailable)
		return nil
	}))
}

func TestUndecodableRecordsAreNotIndexed(t *testing.T) {
	db := openIndexedDB(t)
	counter := telemetry.DecodeFailures.WithLabelValues("incoming_message", reasonFutureVersion)
	before := testutil.ToFloat64(counter)

	vals := allValues(NewIncomingMessage(msg("bad", "t", "text", 1, 1), "x", 1))
	for i := 0; i < 2; i++ {
		require.NoError(t, db.ReadWrite(func(tx *engine.ReadWriteTx) error {
			return writeRecord(tx, "bad", RecordTypeIncomingMessage, BaseSchemaVersion+1, incomingVersion, vals)
		}))
	}
	// indexing skips the record without counting it as a failed read
	assert.Equal(t, before, testutil.ToFloat64(counter))

	_, _, err := fetch(t, db, "bad")
	requireDecodeError(t, err, ErrFutureVersion)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))

	require.NoError(t, db.Read(func(tx *engine.ReadTx) error {
		n, err := CountThread(tx, "t")
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	}))
}
