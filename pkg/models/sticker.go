package models

// MessageSticker references a sticker attached to an interaction. The codec
// stores it as an opaque dictionary.
type MessageSticker struct {
	PackID       []byte `json:"pack_id"`
	PackKey      []byte `json:"pack_key"`
	StickerID    uint32 `json:"sticker_id"`
	AttachmentID string `json:"attachment_id"`
}
