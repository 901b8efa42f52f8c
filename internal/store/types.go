package store

import (
	"strconv"
	"strings"
	"time"
)

// Presence is a user's status as reported by the server.
type Presence string

const (
	Online  Presence = "ONLINE"
	Offline Presence = "OFFLINE"
	Active  Presence = "ACTIVE"
)

// Valid reports whether p is one of the known presence values.
func (p Presence) Valid() bool {
	return p == Online || p == Offline || p == Active
}

// DeliveryStatus is the delivery state of a message. It only moves forward:
// SENT < DELIVERED < READ, with FAILED terminal.
type DeliveryStatus string

const (
	Sent      DeliveryStatus = "SENT"
	Delivered DeliveryStatus = "DELIVERED"
	Read      DeliveryStatus = "READ"
	Failed    DeliveryStatus = "FAILED"
)

func (s DeliveryStatus) rank() int {
	switch s {
	case Sent:
		return 1
	case Delivered:
		return 2
	case Read:
		return 3
	case Failed:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is one of the known statuses.
func (s DeliveryStatus) Valid() bool {
	return s.rank() > 0
}

// AtLeast reports whether s is at or past other in the delivery order.
func (s DeliveryStatus) AtLeast(other DeliveryStatus) bool {
	return s.rank() >= other.rank()
}

// User represents a synced user profile. Only inbound frames create or
// update users. Status stays empty until the server reports one.
type User struct {
	ID           int64
	FirstName    string
	LastName     string
	CountryCode  string
	ContactNo    string
	ProfileImage string
	Status       Presence
	UpdatedAt    time.Time
}

// DisplayName returns "first last", falling back to the phone number and
// finally the numeric id.
func (u User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	if u.ContactNo != "" {
		return u.CountryCode + u.ContactNo
	}
	return strconv.FormatInt(u.ID, 10)
}

// Message represents a chat message. Negative ids are temporary ids issued
// locally before the server assigns a durable one.
type Message struct {
	ID            int64
	FromID        int64
	ToID          int64
	Body          string
	CreatedAt     time.Time
	Status        DeliveryStatus
	CorrelationID string
}

// Local reports whether the message still carries a temporary id.
func (m Message) Local() bool {
	return m.ID < 0
}

// ConversationView is a read-only snapshot of one conversation. Messages are
// ordered most-recent-first.
type ConversationView struct {
	FriendID    int64
	Messages    []Message
	UnreadCount int
}

// ChatSummary is one row of the chat list, derived from a conversation and
// the friend's profile.
type ChatSummary struct {
	FriendID      int64
	FriendName    string
	LastMessage   string
	LastTimeStamp time.Time
	UnreadCount   int
	ProfileImage  string
}

// ContactDraft is a new-contact request as the user typed it.
type ContactDraft struct {
	FirstName   string
	LastName    string
	CountryCode string
	ContactNo   string
}

// PendingContact is a contact request awaiting server confirmation.
type PendingContact struct {
	Token  string
	Draft  ContactDraft
	Failed bool
	Reason string
}

// UserList is the directory snapshot handed to user-list subscribers.
type UserList struct {
	Users   []User
	Pending []PendingContact
}

// Profile is the snapshot handed to single-user subscribers. Known is false
// until the server has told us anything about the user.
type Profile struct {
	User  User
	Known bool
}
