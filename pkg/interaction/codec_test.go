package interaction

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgstore/pkg/engine"
	"msgstore/pkg/kv"
	"msgstore/pkg/models"
	"msgstore/pkg/telemetry"
)

func openTestDB(t *testing.T) *engine.DB {
	t.Helper()
	db, err := engine.Open(engine.Options{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func saveMsg(t *testing.T, db *engine.DB, m Message) Message {
	t.Helper()
	var out Message
	require.NoError(t, db.ReadWrite(func(tx *engine.ReadWriteTx) error {
		var err error
		out, err = Save(tx, m)
		return err
	}))
	return out
}

func fetch(t *testing.T, db *engine.DB, id string) (Message, bool, error) {
	t.Helper()
	var (
		m   Message
		ok  bool
		err error
	)
	require.NoError(t, db.Read(func(tx *engine.ReadTx) error {
		m, ok, err = Fetch(tx, id)
		return nil
	}))
	return m, ok, err
}

// plant writes a record the way a build at (bv, sv) would have: only the
// columns that existed then.
func plant(t *testing.T, db *engine.DB, id string, rt RecordType, bv, sv uint32, vals map[string]kv.Value) {
	t.Helper()
	keep := make(map[string]kv.Value)
	for _, f := range schemas[rt].expectedFields(bv, sv) {
		v, ok := vals[f.name]
		require.True(t, ok, "no value for %s", f.name)
		keep[f.name] = v
	}
	require.NoError(t, db.ReadWrite(func(tx *engine.ReadWriteTx) error {
		return writeRecord(tx, id, rt, bv, sv, keep)
	}))
}

func allValues(m encodable) map[string]kv.Value {
	vals := baseValues(m.Base())
	for k, v := range m.variantValues() {
		vals[k] = v
	}
	return vals
}

func sampleBase(id string) Interaction {
	return Interaction{
		UniqueID:            id,
		Timestamp:           1_600_000_000_000,
		ReceivedAtTimestamp: 1_600_000_000_500,
		UniqueThreadID:      "thread-1",
		AttachmentIDs:       []string{"a1", "a2"},
		Body:                "hello world",
		ExpiresInSeconds:    3600,
		ExpireStartedAt:     1_600_000_001_000,
		ExpiresAt:           1_600_003_601_000,
		QuotedMessage:       []byte{1, 2, 3},
		ContactShare:        []byte{4},
		LinkPreview:         []byte("https://example.org"),
		MessageSticker: &models.MessageSticker{
			PackID:       []byte{0xaa, 0xbb},
			PackKey:      []byte{0xcc},
			StickerID:    7,
			AttachmentID: "sticker-att",
		},
	}
}

func TestSaveFetchRoundTrip(t *testing.T) {
	db := openTestDB(t)

	in := NewIncomingMessage(sampleBase("in"), "+15550001", 2)
	in.ServerTimestamp = 1_600_000_000_900
	in.WasReceivedByUD = true

	out := NewOutgoingMessage(sampleBase("out"))
	out.HasSyncedTranscript = true
	out.CustomMessage = "custom"
	out.GroupMetaMessage = GroupMetaMessageUpdate
	out.IsVoiceMessage = true
	out.MostRecentFailureText = "network"

	em := NewErrorMessage(sampleBase("err"), ErrorTypeNoSession)
	em.RecipientID = "+15550002"
	em.Read = false

	info := NewInfoMessage(sampleBase("info"), InfoTypeUserNotRegistered)
	info.UnregisteredRecipientID = "+15550003"

	for _, m := range []Message{in, out, em, info} {
		t.Run(m.RecordType().String(), func(t *testing.T) {
			saved := saveMsg(t, db, m)
			b, v := saved.SchemaVersions()
			assert.Equal(t, BaseSchemaVersion, b)
			assert.Equal(t, schemas[m.RecordType()].current, v)
			assert.NotZero(t, saved.Base().SortID)

			got, ok, err := fetch(t, db, m.Base().UniqueID)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, saved, got)
		})
	}
}

func TestSaveAssignsSortIDs(t *testing.T) {
	db := openTestDB(t)
	a := saveMsg(t, db, NewOutgoingMessage(Interaction{UniqueID: "a", Timestamp: 10}))
	b := saveMsg(t, db, NewOutgoingMessage(Interaction{UniqueID: "b", Timestamp: 5}))
	assert.Equal(t, uint64(1), a.Base().SortID)
	assert.Equal(t, uint64(2), b.Base().SortID)

	explicit := saveMsg(t, db, NewOutgoingMessage(Interaction{UniqueID: "c", SortID: 99}))
	assert.Equal(t, uint64(99), explicit.Base().SortID)

	// ReceivedAtTimestamp defaults to Timestamp
	assert.Equal(t, uint64(10), a.Base().ReceivedAtTimestamp)
}

func TestSaveRejectsInvalid(t *testing.T) {
	db := openTestDB(t)
	err := db.ReadWrite(func(tx *engine.ReadWriteTx) error {
		_, err := Save(tx, NewIncomingMessage(Interaction{}, "x", 1))
		return err
	})
	assert.ErrorIs(t, err, ErrInvalidEntity)

	err = db.ReadWrite(func(tx *engine.ReadWriteTx) error {
		_, err := Save(tx, NewIncomingMessage(Interaction{UniqueID: "a/b"}, "x", 1))
		return err
	})
	assert.ErrorIs(t, err, ErrInvalidEntity)

	err = db.ReadWrite(func(tx *engine.ReadWriteTx) error {
		_, err := Save(tx, nil)
		return err
	})
	assert.ErrorIs(t, err, ErrInvalidEntity)
}

func TestFetchMissing(t *testing.T) {
	db := openTestDB(t)
	m, ok, err := fetch(t, db, "nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, m)
}

func TestBackfillOldBaseVersions(t *testing.T) {
	db := openTestDB(t)
	src := NewIncomingMessage(sampleBase("legacy"), "+1555", 3)
	src.SortID = 42
	src.ServerTimestamp = 123
	src.WasReceivedByUD = true
	vals := allValues(src)

	plant(t, db, "legacy-0-0", RecordTypeIncomingMessage, 0, 0, vals)
	got, ok, err := fetch(t, db, "legacy-0-0")
	require.NoError(t, err)
	require.True(t, ok)

	in, isIncoming := got.(IncomingMessage)
	require.True(t, isIncoming)
	b, v := in.SchemaVersions()
	assert.Equal(t, uint32(0), b)
	assert.Equal(t, uint32(0), v)
	assert.Equal(t, "legacy-0-0", in.UniqueID)
	assert.Equal(t, "hello world", in.Body)
	assert.Equal(t, []string{"a1", "a2"}, in.AttachmentIDs)
	assert.Equal(t, in.Timestamp, in.ReceivedAtTimestamp)
	assert.Nil(t, in.LinkPreview)
	assert.Zero(t, in.SortID)
	assert.Nil(t, in.MessageSticker)
	assert.Zero(t, in.ServerTimestamp)
	assert.False(t, in.WasReceivedByUD)
	assert.Equal(t, "+1555", in.AuthorID)
	assert.Equal(t, uint32(3), in.SourceDeviceID)

	plant(t, db, "legacy-1-1", RecordTypeIncomingMessage, 1, 1, vals)
	got, ok, err = fetch(t, db, "legacy-1-1")
	require.NoError(t, err)
	require.True(t, ok)
	in = got.(IncomingMessage)
	assert.Equal(t, uint64(1_600_000_000_500), in.ReceivedAtTimestamp)
	assert.Equal(t, []byte("https://example.org"), in.LinkPreview)
	assert.Zero(t, in.SortID)
	assert.Equal(t, uint64(123), in.ServerTimestamp)
	assert.False(t, in.WasReceivedByUD)
}

func TestBackfillVariantDefaults(t *testing.T) {
	db := openTestDB(t)

	em := NewErrorMessage(sampleBase("e"), ErrorTypeInvalidMessage)
	em.Read = false
	plant(t, db, "e", RecordTypeErrorMessage, 2, 0, allValues(em))
	got, ok, err := fetch(t, db, "e")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.(ErrorMessage).Read, "read defaults to true before variant v1")
	assert.Equal(t, ErrorTypeInvalidMessage, got.(ErrorMessage).ErrorType)

	info := NewInfoMessage(sampleBase("i"), InfoTypeGroupQuit)
	info.UnregisteredRecipientID = "someone"
	plant(t, db, "i", RecordTypeInfoMessage, 2, 1, allValues(info))
	got, ok, err = fetch(t, db, "i")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, got.(InfoMessage).UnregisteredRecipientID)

	out := NewOutgoingMessage(sampleBase("o"))
	out.IsVoiceMessage = true
	out.MostRecentFailureText = "boom"
	plant(t, db, "o", RecordTypeOutgoingMessage, 2, 0, allValues(out))
	got, ok, err = fetch(t, db, "o")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, got.(OutgoingMessage).IsVoiceMessage)
	assert.Empty(t, got.(OutgoingMessage).MostRecentFailureText)
}

func requireDecodeError(t *testing.T, err error, sentinel error) *DecodeError {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	var de *DecodeError
	require.True(t, errors.As(err, &de))
	return de
}

func TestFetchFutureVersion(t *testing.T) {
	db := openTestDB(t)
	in := NewIncomingMessage(sampleBase("f"), "a", 1)
	vals := allValues(in)

	counter := telemetry.DecodeFailures.WithLabelValues("incoming_message", reasonFutureVersion)
	before := testutil.ToFloat64(counter)

	require.NoError(t, db.ReadWrite(func(tx *engine.ReadWriteTx) error {
		return writeRecord(tx, "base", RecordTypeIncomingMessage, BaseSchemaVersion+1, incomingVersion, vals)
	}))
	m, ok, err := fetch(t, db, "base")
	de := requireDecodeError(t, err, ErrFutureVersion)
	assert.Equal(t, "base", de.UniqueID)
	assert.Equal(t, RecordTypeIncomingMessage, de.RecordType)
	assert.False(t, ok)
	assert.Nil(t, m)

	require.NoError(t, db.ReadWrite(func(tx *engine.ReadWriteTx) error {
		return writeRecord(tx, "variant", RecordTypeIncomingMessage, BaseSchemaVersion, incomingVersion+1, vals)
	}))
	_, _, err = fetch(t, db, "variant")
	requireDecodeError(t, err, ErrFutureVersion)

	assert.Equal(t, before+2, testutil.ToFloat64(counter))
}

func TestFetchUnknownRecordType(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.ReadWrite(func(tx *engine.ReadWriteTx) error {
		return writeRecord(tx, "u", RecordType(99), 0, 0, map[string]kv.Value{fBody: kv.StringValue("x")})
	}))
	_, ok, err := fetch(t, db, "u")
	de := requireDecodeError(t, err, ErrUnknownRecordType)
	assert.Equal(t, RecordType(99), de.RecordType)
	assert.False(t, ok)
}

func TestFetchInconsistent(t *testing.T) {
	in := NewIncomingMessage(sampleBase("x"), "a", 1)

	tests := []struct {
		name    string
		corrupt func(tx *engine.ReadWriteTx) error
	}{
		{
			name: "header is not a dictionary",
			corrupt: func(tx *engine.ReadWriteTx) error {
				return kv.SetString(tx, "x", HeaderCollection, "garbage")
			},
		},
		{
			name: "header blob is malformed",
			corrupt: func(tx *engine.ReadWriteTx) error {
				return tx.Set(HeaderCollection, "x", []byte{0x00})
			},
		},
		{
			name: "header lacks versions",
			corrupt: func(tx *engine.ReadWriteTx) error {
				return kv.SetDictionary(tx, "x", HeaderCollection, map[string]any{hRecordType: uint32(1)})
			},
		},
		{
			name: "field missing",
			corrupt: func(tx *engine.ReadWriteTx) error {
				return kv.Remove(tx, fieldKey("x", fSortID), FieldCollection)
			},
		},
		{
			name: "field has wrong kind",
			corrupt: func(tx *engine.ReadWriteTx) error {
				return kv.SetInt(tx, fieldKey("x", fBody), FieldCollection, 5)
			},
		},
		{
			name: "field blob is malformed",
			corrupt: func(tx *engine.ReadWriteTx) error {
				return tx.Set(FieldCollection, fieldKey("x", fRead), []byte{0xA7, byte(kv.KindBool), 9})
			},
		},
		{
			name: "sort id has a bad width",
			corrupt: func(tx *engine.ReadWriteTx) error {
				return kv.SetData(tx, fieldKey("x", fSortID), FieldCollection, []byte{1})
			},
		},
		{
			name: "field list claims an older layout",
			corrupt: func(tx *engine.ReadWriteTx) error {
				vals := allValues(in)
				delete(vals, fSortID)
				delete(vals, fMessageSticker)
				return writeRecord(tx, "x", RecordTypeIncomingMessage, BaseSchemaVersion, incomingVersion, vals)
			},
		},
		{
			name: "field list has extra columns",
			corrupt: func(tx *engine.ReadWriteTx) error {
				vals := allValues(in)
				vals[fContactID] = kv.StringValue("extra")
				return writeRecord(tx, "x", RecordTypeIncomingMessage, BaseSchemaVersion, incomingVersion, vals)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			db := openTestDB(t)
			saveMsg(t, db, in)
			require.NoError(t, db.ReadWrite(tc.corrupt))
			m, ok, err := fetch(t, db, "x")
			requireDecodeError(t, err, ErrInconsistent)
			assert.False(t, ok)
			assert.Nil(t, m)
		})
	}
}

func TestDeprecatedVariantsDecodeOnly(t *testing.T) {
	db := openTestDB(t)

	base := sampleBase("dep")
	vals := baseValues(base)
	vals[fErrorType] = uint32Value(uint32(ErrorTypeWrongTrustedIdentityKey))
	vals[fRecipientID] = kv.StringValue("+1555")
	vals[fRead] = kv.BoolValue(false)
	vals[fMessageID] = kv.StringValue("m-1")
	vals[fPreKeyBundle] = kv.DataValue{9, 9}
	plant(t, db, "dep", RecordTypeInvalidIdentityKeySendingErrorMessage, 1, 1, vals)

	got, ok, err := fetch(t, db, "dep")
	require.NoError(t, err)
	require.True(t, ok)
	dep, isDep := got.(InvalidIdentityKeySendingErrorMessage)
	require.True(t, isDep)
	assert.True(t, dep.RecordType().Deprecated())
	assert.Equal(t, "m-1", dep.MessageID)
	assert.Equal(t, []byte{9, 9}, dep.PreKeyBundle)
	assert.False(t, dep.Read)
	assert.Zero(t, dep.SortID, "base v2 columns are backfilled for deprecated records too")

	err = db.ReadWrite(func(tx *engine.ReadWriteTx) error {
		_, err := Save(tx, dep)
		return err
	})
	assert.ErrorIs(t, err, ErrDeprecatedVariant)

	again, ok, err := fetch(t, db, "dep")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, got, again)

	offer := baseValues(base)
	offer[fMessageType] = uint32Value(uint32(InfoTypeAddUserToProfileWhitelistOffer))
	offer[fCustomMessage] = kv.StringValue("")
	offer[fContactID] = kv.StringValue("contact-9")
	plant(t, db, "offer", RecordTypeAddToProfileWhitelistOfferMessage, 2, 0, offer)

	got, ok, err = fetch(t, db, "offer")
	require.NoError(t, err)
	require.True(t, ok)
	wl, isOffer := got.(AddToProfileWhitelistOfferMessage)
	require.True(t, isOffer)
	assert.Equal(t, "contact-9", wl.ContactID)
	assert.True(t, wl.Read)
}

func TestDeprecatedVariantFutureVersion(t *testing.T) {
	db := openTestDB(t)
	vals := baseValues(sampleBase("dep"))
	require.NoError(t, db.ReadWrite(func(tx *engine.ReadWriteTx) error {
		return writeRecord(tx, "dep", RecordTypeAddToProfileWhitelistOfferMessage, 2, 2, vals)
	}))
	_, _, err := fetch(t, db, "dep")
	requireDecodeError(t, err, ErrFutureVersion)
}

func TestSaveDropsStaleFields(t *testing.T) {
	db := openTestDB(t)
	out := NewOutgoingMessage(sampleBase("same"))
	out.IsVoiceMessage = true
	saveMsg(t, db, out)

	saveMsg(t, db, NewInfoMessage(sampleBase("same"), InfoTypeGroupUpdate))

	require.NoError(t, db.Read(func(tx *engine.ReadTx) error {
		for _, name := range []string{fHasSyncedTranscript, fIsVoiceMessage, fGroupMetaMessage, fMostRecentFailureText} {
			ok, err := tx.Has(FieldCollection, fieldKey("same", name))
			require.NoError(t, err)
			assert.False(t, ok, name)
		}
		return nil
	}))

	got, ok, err := fetch(t, db, "same")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, RecordTypeInfoMessage, got.RecordType())
}

func TestRemove(t *testing.T) {
	db := openTestDB(t)
	saveMsg(t, db, NewIncomingMessage(sampleBase("gone"), "a", 1))
	saveMsg(t, db, NewIncomingMessage(sampleBase("kept"), "a", 1))

	require.NoError(t, db.ReadWrite(func(tx *engine.ReadWriteTx) error {
		return Remove(tx, "gone")
	}))

	_, ok, err := fetch(t, db, "gone")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.Read(func(tx *engine.ReadTx) error {
		n := 0
		require.NoError(t, tx.EnumerateKeys(FieldCollection, func(key string) bool {
			assert.Contains(t, key, "kept/")
			n++
			return true
		}))
		assert.Equal(t, len(schemas[RecordTypeIncomingMessage].expectedFields(BaseSchemaVersion, incomingVersion)), n)
		return nil
	}))
}

func TestEnumerateReportsFailures(t *testing.T) {
	db := openTestDB(t)
	saveMsg(t, db, NewIncomingMessage(sampleBase("a"), "x", 1))
	saveMsg(t, db, NewIncomingMessage(sampleBase("b"), "x", 1))
	saveMsg(t, db, NewIncomingMessage(sampleBase("c"), "x", 1))
	require.NoError(t, db.ReadWrite(func(tx *engine.ReadWriteTx) error {
		return kv.Remove(tx, fieldKey("b", fBody), FieldCollection)
	}))

	var ids []string
	var failed []string
	require.NoError(t, db.Read(func(tx *engine.ReadTx) error {
		return Enumerate(tx, func(id string, m Message, err error) bool {
			if err != nil {
				assert.Nil(t, m)
				failed = append(failed, id)
				return true
			}
			ids = append(ids, m.Base().UniqueID)
			return true
		})
	}))
	assert.Equal(t, []string{"a", "c"}, ids)
	assert.Equal(t, []string{"b"}, failed)
}

func TestVersions(t *testing.T) {
	db := openTestDB(t)
	plant(t, db, "old", RecordTypeErrorMessage, 1, 0, allValues(NewErrorMessage(sampleBase("old"), ErrorTypeNoSession)))
	require.NoError(t, db.Read(func(tx *engine.ReadTx) error {
		rt, b, v, ok := Versions(tx, "old")
		assert.True(t, ok)
		assert.Equal(t, RecordTypeErrorMessage, rt)
		assert.Equal(t, uint32(1), b)
		assert.Equal(t, uint32(0), v)

		_, _, _, ok = Versions(tx, "missing")
		assert.False(t, ok)
		return nil
	}))
}

func TestUpgradeRewritesLegacyLayout(t *testing.T) {
	db := openTestDB(t)
	legacy := NewIncomingMessage(sampleBase("old"), "a", 1)
	plant(t, db, "old", RecordTypeIncomingMessage, 0, 0, allValues(legacy))

	before, ok, err := fetch(t, db, "old")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, db.ReadWrite(func(tx *engine.ReadWriteTx) error {
		_, err := Upgrade(tx, before)
		return err
	}))

	after, ok, err := fetch(t, db, "old")
	require.NoError(t, err)
	require.True(t, ok)
	b, v := after.SchemaVersions()
	assert.Equal(t, BaseSchemaVersion, b)
	assert.Equal(t, incomingVersion, v)
	assert.Zero(t, after.Base().SortID)
	assert.Equal(t, before.Base(), after.Base())
}

func TestNewUniqueID(t *testing.T) {
	a, b := NewUniqueID(), NewUniqueID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "/")
}
