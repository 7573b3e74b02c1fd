package interaction

import (
	"sort"

	"msgstore/pkg/kv"
)

// field describes one persisted column and the schema version that added it.
type field struct {
	name  string
	kind  kv.Kind
	since uint32
}

// Persisted field names.
const (
	fTimestamp           = "timestamp"
	fUniqueThreadID      = "uniqueThreadId"
	fAttachmentIDs       = "attachmentIds"
	fBody                = "body"
	fExpiresInSeconds    = "expiresInSeconds"
	fExpireStartedAt     = "expireStartedAt"
	fExpiresAt           = "expiresAt"
	fQuotedMessage       = "quotedMessage"
	fContactShare        = "contactShare"
	fReceivedAtTimestamp = "receivedAtTimestamp"
	fLinkPreview         = "linkPreview"
	fSortID              = "sortId"
	fMessageSticker      = "messageSticker"

	fAuthorID                = "authorId"
	fSourceDeviceID          = "sourceDeviceId"
	fRead                    = "read"
	fServerTimestamp         = "serverTimestamp"
	fWasReceivedByUD         = "wasReceivedByUD"
	fHasSyncedTranscript     = "hasSyncedTranscript"
	fCustomMessage           = "customMessage"
	fGroupMetaMessage        = "groupMetaMessage"
	fIsVoiceMessage          = "isVoiceMessage"
	fMostRecentFailureText   = "mostRecentFailureText"
	fErrorType               = "errorType"
	fRecipientID             = "recipientId"
	fMessageType             = "messageType"
	fUnregisteredRecipientID = "unregisteredRecipientId"
	fMessageID               = "messageId"
	fPreKeyBundle            = "preKeyBundle"
	fContactID               = "contactId"
)

var baseFields = []field{
	{fTimestamp, kv.KindDate, 0},
	{fUniqueThreadID, kv.KindString, 0},
	{fAttachmentIDs, kv.KindDictionary, 0},
	{fBody, kv.KindString, 0},
	{fExpiresInSeconds, kv.KindInt, 0},
	{fExpireStartedAt, kv.KindDate, 0},
	{fExpiresAt, kv.KindDate, 0},
	{fQuotedMessage, kv.KindData, 0},
	{fContactShare, kv.KindData, 0},
	{fReceivedAtTimestamp, kv.KindDate, 1},
	{fLinkPreview, kv.KindData, 1},
	{fSortID, kv.KindData, 2},
	{fMessageSticker, kv.KindDictionary, 2},
}

// variantSchema is the frozen layout of one record type.
type variantSchema struct {
	recordType RecordType
	// current is the newest variant version this build reads. For a
	// deprecated variant it is the version it was frozen at.
	current    uint32
	fields     []field
	deprecated bool
	build      func(base Interaction, r fieldReader, v versions) Message
}

var schemas = map[RecordType]*variantSchema{
	RecordTypeIncomingMessage: {
		recordType: RecordTypeIncomingMessage,
		current:    incomingVersion,
		fields: []field{
			{fAuthorID, kv.KindString, 0},
			{fSourceDeviceID, kv.KindInt, 0},
			{fRead, kv.KindBool, 0},
			{fServerTimestamp, kv.KindDate, 1},
			{fWasReceivedByUD, kv.KindBool, 2},
		},
		build: buildIncomingMessage,
	},
	RecordTypeOutgoingMessage: {
		recordType: RecordTypeOutgoingMessage,
		current:    outgoingVersion,
		fields: []field{
			{fHasSyncedTranscript, kv.KindBool, 0},
			{fCustomMessage, kv.KindString, 0},
			{fGroupMetaMessage, kv.KindInt, 0},
			{fIsVoiceMessage, kv.KindBool, 1},
			{fMostRecentFailureText, kv.KindString, 2},
		},
		build: buildOutgoingMessage,
	},
	RecordTypeErrorMessage: {
		recordType: RecordTypeErrorMessage,
		current:    errorVersion,
		fields:     errorMessageFields,
		build:      buildErrorMessage,
	},
	RecordTypeInfoMessage: {
		recordType: RecordTypeInfoMessage,
		current:    infoVersion,
		fields: append(append([]field{}, infoMessageFieldsV1...),
			field{fUnregisteredRecipientID, kv.KindString, 2},
		),
		build: buildInfoMessage,
	},
	RecordTypeInvalidIdentityKeySendingErrorMessage: {
		recordType: RecordTypeInvalidIdentityKeySendingErrorMessage,
		current:    1,
		fields: append(append([]field{}, errorMessageFields...),
			field{fMessageID, kv.KindString, 0},
			field{fPreKeyBundle, kv.KindData, 0},
		),
		deprecated: true,
		build:      buildInvalidIdentityKeySendingErrorMessage,
	},
	RecordTypeAddToProfileWhitelistOfferMessage: {
		recordType: RecordTypeAddToProfileWhitelistOfferMessage,
		current:    1,
		fields: append(append([]field{}, infoMessageFieldsV1...),
			field{fContactID, kv.KindString, 0},
		),
		deprecated: true,
		build:      buildAddToProfileWhitelistOfferMessage,
	},
}

var errorMessageFields = []field{
	{fErrorType, kv.KindInt, 0},
	{fRecipientID, kv.KindString, 0},
	{fRead, kv.KindBool, 1},
}

// info message layout as of variant v1, the version the whitelist offer
// was frozen at
var infoMessageFieldsV1 = []field{
	{fMessageType, kv.KindInt, 0},
	{fCustomMessage, kv.KindString, 0},
	{fRead, kv.KindBool, 1},
}

// expectedFields returns the columns a record of this variant written under
// (baseVersion, variantVersion) must carry, sorted by name.
func (s *variantSchema) expectedFields(baseVersion, variantVersion uint32) []field {
	var out []field
	for _, f := range baseFields {
		if f.since <= baseVersion {
			out = append(out, f)
		}
	}
	for _, f := range s.fields {
		if f.since <= variantVersion {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// CurrentVersions reports the newest (base, variant) versions this build
// decodes for each record type.
func CurrentVersions() map[RecordType][2]uint32 {
	out := make(map[RecordType][2]uint32, len(schemas))
	for rt, s := range schemas {
		out[rt] = [2]uint32{BaseSchemaVersion, s.current}
	}
	return out
}
