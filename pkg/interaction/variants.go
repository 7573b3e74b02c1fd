package interaction

import "msgstore/pkg/kv"

// Newest variant versions this build writes.
const (
	incomingVersion uint32 = 2
	outgoingVersion uint32 = 2
	errorVersion    uint32 = 1
	infoVersion     uint32 = 2
)

// ErrorType classifies an ErrorMessage.
type ErrorType uint32

const (
	ErrorTypeNoSession ErrorType = iota
	ErrorTypeWrongTrustedIdentityKey
	ErrorTypeInvalidKeyException
	ErrorTypeMissingKeyID
	ErrorTypeInvalidMessage
	ErrorTypeDuplicateMessage
	ErrorTypeInvalidVersion
	ErrorTypeNonBlockingIdentityChange
	ErrorTypeUnknownContactBlockOffer
	ErrorTypeGroupCreationFailed
)

// InfoMessageType classifies an InfoMessage.
type InfoMessageType uint32

const (
	InfoTypeGroupUpdate InfoMessageType = iota
	InfoTypeGroupQuit
	InfoTypeDisappearingMessagesUpdate
	InfoTypeVerificationStateChange
	InfoTypeUnsupportedMessage
	InfoTypeUserNotRegistered
	InfoTypeAddToContactsOffer
	InfoTypeAddUserToProfileWhitelistOffer
	InfoTypeAddGroupToProfileWhitelistOffer
)

// GroupMetaMessage is the group control payload carried by an outgoing
// message.
type GroupMetaMessage uint32

const (
	GroupMetaMessageUnspecified GroupMetaMessage = iota
	GroupMetaMessageDeliver
	GroupMetaMessageUpdate
	GroupMetaMessageNew
	GroupMetaMessageQuit
	GroupMetaMessageRequestInfo
)

// encodable is implemented by the variants Save accepts.
type encodable interface {
	Message
	variantValues() map[string]kv.Value
	stamped(base Interaction) Message
}

type IncomingMessage struct {
	Interaction
	versions

	AuthorID        string
	SourceDeviceID  uint32
	Read            bool
	ServerTimestamp uint64
	// WasReceivedByUD reports sealed sender delivery.
	WasReceivedByUD bool
}

// NewIncomingMessage returns an incoming message stamped with the current
// schema versions.
func NewIncomingMessage(base Interaction, authorID string, sourceDeviceID uint32) IncomingMessage {
	return IncomingMessage{
		Interaction:    withDefaults(base),
		versions:       versions{BaseSchemaVersion, incomingVersion},
		AuthorID:       authorID,
		SourceDeviceID: sourceDeviceID,
	}
}

func (IncomingMessage) RecordType() RecordType { return RecordTypeIncomingMessage }
func (m IncomingMessage) Base() Interaction    { return m.Interaction }
func (IncomingMessage) isMessage()             {}

func (m IncomingMessage) variantValues() map[string]kv.Value {
	return map[string]kv.Value{
		fAuthorID:        kv.StringValue(m.AuthorID),
		fSourceDeviceID:  uint32Value(m.SourceDeviceID),
		fRead:            kv.BoolValue(m.Read),
		fServerTimestamp: dateValue(m.ServerTimestamp),
		fWasReceivedByUD: kv.BoolValue(m.WasReceivedByUD),
	}
}

func (m IncomingMessage) stamped(base Interaction) Message {
	m.Interaction = base
	m.versions = versions{BaseSchemaVersion, incomingVersion}
	return m
}

func buildIncomingMessage(base Interaction, r fieldReader, v versions) Message {
	return IncomingMessage{
		Interaction:     base,
		versions:        v,
		AuthorID:        r.str(fAuthorID, ""),
		SourceDeviceID:  r.uint32(fSourceDeviceID, 0),
		Read:            r.boolean(fRead, false),
		ServerTimestamp: r.date(fServerTimestamp, 0),
		WasReceivedByUD: r.boolean(fWasReceivedByUD, false),
	}
}

type OutgoingMessage struct {
	Interaction
	versions

	HasSyncedTranscript   bool
	CustomMessage         string
	GroupMetaMessage      GroupMetaMessage
	IsVoiceMessage        bool
	MostRecentFailureText string
}

func NewOutgoingMessage(base Interaction) OutgoingMessage {
	return OutgoingMessage{
		Interaction: withDefaults(base),
		versions:    versions{BaseSchemaVersion, outgoingVersion},
	}
}

func (OutgoingMessage) RecordType() RecordType { return RecordTypeOutgoingMessage }
func (m OutgoingMessage) Base() Interaction    { return m.Interaction }
func (OutgoingMessage) isMessage()             {}

func (m OutgoingMessage) variantValues() map[string]kv.Value {
	return map[string]kv.Value{
		fHasSyncedTranscript:   kv.BoolValue(m.HasSyncedTranscript),
		fCustomMessage:         kv.StringValue(m.CustomMessage),
		fGroupMetaMessage:      uint32Value(uint32(m.GroupMetaMessage)),
		fIsVoiceMessage:        kv.BoolValue(m.IsVoiceMessage),
		fMostRecentFailureText: kv.StringValue(m.MostRecentFailureText),
	}
}

func (m OutgoingMessage) stamped(base Interaction) Message {
	m.Interaction = base
	m.versions = versions{BaseSchemaVersion, outgoingVersion}
	return m
}

func buildOutgoingMessage(base Interaction, r fieldReader, v versions) Message {
	return OutgoingMessage{
		Interaction:           base,
		versions:              v,
		HasSyncedTranscript:   r.boolean(fHasSyncedTranscript, false),
		CustomMessage:         r.str(fCustomMessage, ""),
		GroupMetaMessage:      GroupMetaMessage(r.uint32(fGroupMetaMessage, 0)),
		IsVoiceMessage:        r.boolean(fIsVoiceMessage, false),
		MostRecentFailureText: r.str(fMostRecentFailureText, ""),
	}
}

type ErrorMessage struct {
	Interaction
	versions

	ErrorType   ErrorType
	RecipientID string
	Read        bool
}

func NewErrorMessage(base Interaction, errorType ErrorType) ErrorMessage {
	return ErrorMessage{
		Interaction: withDefaults(base),
		versions:    versions{BaseSchemaVersion, errorVersion},
		ErrorType:   errorType,
		Read:        true,
	}
}

func (ErrorMessage) RecordType() RecordType { return RecordTypeErrorMessage }
func (m ErrorMessage) Base() Interaction    { return m.Interaction }
func (ErrorMessage) isMessage()             {}

func (m ErrorMessage) variantValues() map[string]kv.Value {
	return map[string]kv.Value{
		fErrorType:   uint32Value(uint32(m.ErrorType)),
		fRecipientID: kv.StringValue(m.RecipientID),
		fRead:        kv.BoolValue(m.Read),
	}
}

func (m ErrorMessage) stamped(base Interaction) Message {
	m.Interaction = base
	m.versions = versions{BaseSchemaVersion, errorVersion}
	return m
}

func buildErrorMessage(base Interaction, r fieldReader, v versions) Message {
	return ErrorMessage{
		Interaction: base,
		versions:    v,
		ErrorType:   ErrorType(r.uint32(fErrorType, 0)),
		RecipientID: r.str(fRecipientID, ""),
		Read:        r.boolean(fRead, true),
	}
}

type InfoMessage struct {
	Interaction
	versions

	MessageType             InfoMessageType
	CustomMessage           string
	Read                    bool
	UnregisteredRecipientID string
}

func NewInfoMessage(base Interaction, messageType InfoMessageType) InfoMessage {
	return InfoMessage{
		Interaction: withDefaults(base),
		versions:    versions{BaseSchemaVersion, infoVersion},
		MessageType: messageType,
		Read:        true,
	}
}

func (InfoMessage) RecordType() RecordType { return RecordTypeInfoMessage }
func (m InfoMessage) Base() Interaction    { return m.Interaction }
func (InfoMessage) isMessage()             {}

func (m InfoMessage) variantValues() map[string]kv.Value {
	return map[string]kv.Value{
		fMessageType:             uint32Value(uint32(m.MessageType)),
		fCustomMessage:           kv.StringValue(m.CustomMessage),
		fRead:                    kv.BoolValue(m.Read),
		fUnregisteredRecipientID: kv.StringValue(m.UnregisteredRecipientID),
	}
}

func (m InfoMessage) stamped(base Interaction) Message {
	m.Interaction = base
	m.versions = versions{BaseSchemaVersion, infoVersion}
	return m
}

func buildInfoMessage(base Interaction, r fieldReader, v versions) Message {
	return InfoMessage{
		Interaction:             base,
		versions:                v,
		MessageType:             InfoMessageType(r.uint32(fMessageType, 0)),
		CustomMessage:           r.str(fCustomMessage, ""),
		Read:                    r.boolean(fRead, true),
		UnregisteredRecipientID: r.str(fUnregisteredRecipientID, ""),
	}
}

// InvalidIdentityKeySendingErrorMessage is a retired error message kept
// readable for stores written by older clients. It cannot be saved.
type InvalidIdentityKeySendingErrorMessage struct {
	Interaction
	versions

	ErrorType    ErrorType
	RecipientID  string
	Read         bool
	MessageID    string
	PreKeyBundle []byte
}

func (InvalidIdentityKeySendingErrorMessage) RecordType() RecordType {
	return RecordTypeInvalidIdentityKeySendingErrorMessage
}
func (m InvalidIdentityKeySendingErrorMessage) Base() Interaction { return m.Interaction }
func (InvalidIdentityKeySendingErrorMessage) isMessage()          {}

func buildInvalidIdentityKeySendingErrorMessage(base Interaction, r fieldReader, v versions) Message {
	return InvalidIdentityKeySendingErrorMessage{
		Interaction:  base,
		versions:     v,
		ErrorType:    ErrorType(r.uint32(fErrorType, uint32(ErrorTypeWrongTrustedIdentityKey))),
		RecipientID:  r.str(fRecipientID, ""),
		Read:         r.boolean(fRead, true),
		MessageID:    r.str(fMessageID, ""),
		PreKeyBundle: r.data(fPreKeyBundle),
	}
}

// AddToProfileWhitelistOfferMessage is a retired info message. Decode only.
type AddToProfileWhitelistOfferMessage struct {
	Interaction
	versions

	MessageType   InfoMessageType
	CustomMessage string
	Read          bool
	ContactID     string
}

func (AddToProfileWhitelistOfferMessage) RecordType() RecordType {
	return RecordTypeAddToProfileWhitelistOfferMessage
}
func (m AddToProfileWhitelistOfferMessage) Base() Interaction { return m.Interaction }
func (AddToProfileWhitelistOfferMessage) isMessage()          {}

func buildAddToProfileWhitelistOfferMessage(base Interaction, r fieldReader, v versions) Message {
	return AddToProfileWhitelistOfferMessage{
		Interaction:   base,
		versions:      v,
		MessageType:   InfoMessageType(r.uint32(fMessageType, uint32(InfoTypeAddUserToProfileWhitelistOffer))),
		CustomMessage: r.str(fCustomMessage, ""),
		Read:          r.boolean(fRead, true),
		ContactID:     r.str(fContactID, ""),
	}
}

// withDefaults fills base fields whose zero value is not their default.
func withDefaults(b Interaction) Interaction {
	if b.ReceivedAtTimestamp == 0 {
		b.ReceivedAtTimestamp = b.Timestamp
	}
	return b
}
