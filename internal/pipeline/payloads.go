package pipeline

import (
	"encoding/json"

	"github.com/suPer8Hu/marketplace-chat/internal/identity"
)

type IngestPayload struct {
	ConversationID uint64          `json:"conversation_id"`
	Content        string          `json:"content"`
	SenderKind     identity.Kind   `json:"sender_kind"`
	SenderID       uint64          `json:"sender_id"`
	SenderSession  string          `json:"sender_session"`
	AdID           *uint64         `json:"ad_id,omitempty"`
	ProductContext json.RawMessage `json:"product_context,omitempty"`
	MessageType    string          `json:"message_type"`
}

func (p IngestPayload) Sender() identity.Identity {
	return identity.Identity{Kind: p.SenderKind, ID: p.SenderID}
}

type DeliverPayload struct {
	MessageID uint64 `json:"message_id"`
}

// ReadReceiptPayload may pin the reader kind; otherwise every kind is tried in precedence order.
type ReadReceiptPayload struct {
	MessageID  uint64        `json:"message_id"`
	ReaderID   uint64        `json:"reader_id"`
	ReaderKind identity.Kind `json:"reader_kind,omitempty"`
}

type ConversationMessagePayload struct {
	ConversationID uint64 `json:"conversation_id"`
	MessageID      uint64 `json:"message_id"`
}

type ModeratePayload struct {
	MessageID uint64 `json:"message_id"`
}
