package protocol

import "time"

// MessagePayload is a chat message as the server describes it. Status
// updates for an existing message reuse the same shape with a higher status.
type MessagePayload struct {
	ID            int64     `json:"id"`
	FromID        int64     `json:"fromId"`
	ToID          int64     `json:"toId"`
	Body          string    `json:"body"`
	CreatedAt     time.Time `json:"createdAt"`
	Status        string    `json:"status"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// UserPayload is a user profile with its presence.
type UserPayload struct {
	ID           int64     `json:"id"`
	FirstName    string    `json:"firstName"`
	LastName     string    `json:"lastName"`
	CountryCode  string    `json:"countryCode"`
	ContactNo    string    `json:"contactNo"`
	ProfileImage string    `json:"profileImage,omitempty"`
	Status       string    `json:"status"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// PresencePayload carries a status change. Profile is set when the server
// sends the full user along with the change.
type PresencePayload struct {
	UserID    int64        `json:"userId"`
	Status    string       `json:"status"`
	UpdatedAt time.Time    `json:"updatedAt"`
	Profile   *UserPayload `json:"profile,omitempty"`
}

// ChatListEntry is one conversation summary in a chat-list delta.
type ChatListEntry struct {
	FriendID    int64           `json:"friendId"`
	LastMessage *MessagePayload `json:"lastMessage,omitempty"`
	UnreadCount int             `json:"unreadCount"`
}

// ChatListDeltaPayload is an incremental chat list update, typically replayed
// by the server after a reconnect.
type ChatListDeltaPayload struct {
	Entries []ChatListEntry `json:"entries"`
}

// ContactAddedPayload announces a contact. CorrelationID is set when it
// answers a send-contact command from this client.
type ContactAddedPayload struct {
	CorrelationID string      `json:"correlationId,omitempty"`
	User          UserPayload `json:"user"`
}

// AckPayload confirms a command. MessageID is the durable id for
// send-message; UserID is set for send-contact.
type AckPayload struct {
	CorrelationID string `json:"correlationId"`
	MessageID     int64  `json:"messageId,omitempty"`
	UserID        int64  `json:"userId,omitempty"`
}

// NackPayload rejects a command.
type NackPayload struct {
	CorrelationID string `json:"correlationId"`
	Reason        string `json:"reason,omitempty"`
}

// SendMessagePayload is the outbound send-message command.
type SendMessagePayload struct {
	CorrelationID string    `json:"correlationId"`
	ToID          int64     `json:"toId"`
	Body          string    `json:"body"`
	CreatedAt     time.Time `json:"createdAt"`
}

// SendContactPayload is the outbound send-contact command.
type SendContactPayload struct {
	CorrelationID string `json:"correlationId"`
	FirstName     string `json:"firstName"`
	LastName      string `json:"lastName"`
	CountryCode   string `json:"countryCode"`
	ContactNo     string `json:"contactNo"`
}

// ReadReceiptPayload tells the server every message from FriendID was read.
type ReadReceiptPayload struct {
	FriendID int64     `json:"friendId"`
	ReadAt   time.Time `json:"readAt"`
}

// PresenceAnnouncePayload re-asserts the local user's presence.
type PresenceAnnouncePayload struct {
	UserID int64  `json:"userId"`
	Status string `json:"status"`
}

// PingPayload is the keepalive probe.
type PingPayload struct {
	SentAt time.Time `json:"sentAt"`
}
