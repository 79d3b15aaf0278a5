package broadcast

import "time"

const (
	TypeNewMessage        = "new_message"
	TypeTypingStatus      = "typing_status"
	TypePresenceUpdate    = "presence_update"
	TypeMessageDelivered  = "message_delivered"
	TypeMessageRead       = "message_read"
	TypeUnreadCountUpdate = "unread_count_update"
	TypeMessageError      = "message_error"
)

type TypingStatus struct {
	Type           string    `json:"type"`
	UserID         uint64    `json:"user_id"`
	UserType       string    `json:"user_type"`
	Typing         bool      `json:"typing"`
	ConversationID uint64    `json:"conversation_id"`
	Timestamp      time.Time `json:"timestamp"`
}

type PresenceUpdate struct {
	Type      string    `json:"type"`
	UserID    uint64    `json:"user_id"`
	UserType  string    `json:"user_type"`
	Status    string    `json:"status"` // "online" | "offline"
	Timestamp time.Time `json:"timestamp"`
}

type MessageDelivered struct {
	Type           string     `json:"type"`
	MessageID      uint64     `json:"message_id"`
	ConversationID uint64     `json:"conversation_id"`
	DeliveredAt    *time.Time `json:"delivered_at"`
	Status         string     `json:"status"`
}

type MessageRead struct {
	Type           string     `json:"type"`
	MessageID      uint64     `json:"message_id"`
	ConversationID uint64     `json:"conversation_id"`
	ReadAt         *time.Time `json:"read_at"`
}

type UnreadCountUpdate struct {
	Type        string    `json:"type"`
	UnreadCount int64     `json:"unread_count"`
	Timestamp   time.Time `json:"timestamp"`
}

type MessageError struct {
	Type      string    `json:"type"`
	Error     string    `json:"error"`
	Details   string    `json:"details"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage carries an already-serialized message view.
type NewMessage struct {
	Type           string    `json:"type"`
	ConversationID uint64    `json:"conversation_id"`
	Message        any       `json:"message"`
	Timestamp      time.Time `json:"timestamp"`
}
