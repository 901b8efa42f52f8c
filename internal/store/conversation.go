package store

import (
	"slices"
	"sort"
)

type conversation struct {
	friendID int64
	messages []Message // most-recent-first
	unread   int
	active   int
	rev      uint64
}

func (c *conversation) index(id int64) int {
	return slices.IndexFunc(c.messages, func(m Message) bool { return m.ID == id })
}

func (c *conversation) indexCorrelation(token string) int {
	return slices.IndexFunc(c.messages, func(m Message) bool { return m.CorrelationID == token })
}

// Conversations holds one ordered message log per friend.
type Conversations struct {
	self     int64
	byFriend map[int64]*conversation
	version  uint64
}

// NewConversations creates the store for the local user selfID.
func NewConversations(selfID int64) *Conversations {
	return &Conversations{
		self:     selfID,
		byFriend: make(map[int64]*conversation),
	}
}

// FriendOf returns the conversation key for m from the local user's side.
func (c *Conversations) FriendOf(m Message) int64 {
	if m.FromID == c.self {
		return m.ToID
	}
	return m.FromID
}

// IngestMessage applies a server message. A new id is inserted at its
// createdAt position; a known id is overwritten only when the status does not
// move backwards. Replays leave the store untouched and return false.
func (c *Conversations) IngestMessage(m Message) bool {
	return c.ingest(m, true)
}

func (c *Conversations) ingest(m Message, countUnread bool) bool {
	if m.ID == 0 || !m.Status.Valid() {
		return false
	}
	conv := c.get(c.FriendOf(m))

	if i := conv.index(m.ID); i >= 0 {
		return c.overwrite(conv, i, m)
	}

	// An echo of our own optimistic send: adopt the server id in place.
	if m.FromID == c.self && m.CorrelationID != "" {
		if i := conv.indexCorrelation(m.CorrelationID); i >= 0 && conv.messages[i].Local() {
			conv.messages[i].ID = m.ID
			c.overwrite(conv, i, m)
			c.bump(conv)
			return true
		}
	}

	c.insert(conv, m)
	if countUnread && m.FromID != c.self && conv.active == 0 {
		conv.unread++
	}
	c.bump(conv)
	return true
}

// overwrite merges m into the entry at i. CreatedAt is first-seen-wins so
// the entry keeps its slot.
func (c *Conversations) overwrite(conv *conversation, i int, m Message) bool {
	cur := conv.messages[i]
	if !m.Status.AtLeast(cur.Status) {
		return false
	}
	next := cur
	next.Status = m.Status
	if m.Body != "" {
		next.Body = m.Body
	}
	if m.CorrelationID != "" {
		next.CorrelationID = m.CorrelationID
	}
	if next == cur {
		return false
	}
	conv.messages[i] = next
	c.bump(conv)
	return true
}

func (c *Conversations) insert(conv *conversation, m Message) {
	// Ties go before existing entries: with equal timestamps the later
	// arrival is the more recent one.
	pos := sort.Search(len(conv.messages), func(i int) bool {
		return !conv.messages[i].CreatedAt.After(m.CreatedAt)
	})
	conv.messages = slices.Insert(conv.messages, pos, m)
}

// AddLocal inserts an optimistic outgoing message.
func (c *Conversations) AddLocal(m Message) {
	conv := c.get(c.FriendOf(m))
	c.insert(conv, m)
	c.bump(conv)
}

// Confirm replaces a temporary id with the server id in place. It returns
// true when the message ends up under serverID, including when an echo got
// there first.
func (c *Conversations) Confirm(friendID, tempID, serverID int64) bool {
	conv, ok := c.byFriend[friendID]
	if !ok {
		return false
	}
	ti, si := conv.index(tempID), conv.index(serverID)
	switch {
	case ti < 0:
		return si >= 0
	case si >= 0:
		// The server copy arrived without a correlation token.
		conv.messages = slices.Delete(conv.messages, ti, ti+1)
	default:
		conv.messages[ti].ID = serverID
	}
	c.bump(conv)
	return true
}

// Fail marks an unconfirmed local message FAILED. It returns false when the
// message is gone or already confirmed.
func (c *Conversations) Fail(friendID, tempID int64) bool {
	conv, ok := c.byFriend[friendID]
	if !ok {
		return false
	}
	i := conv.index(tempID)
	if i < 0 || conv.messages[i].Status == Failed {
		return false
	}
	conv.messages[i].Status = Failed
	c.bump(conv)
	return true
}

// Remove deletes a FAILED message so it can be resubmitted.
func (c *Conversations) Remove(friendID, id int64) bool {
	conv, ok := c.byFriend[friendID]
	if !ok {
		return false
	}
	i := conv.index(id)
	if i < 0 || conv.messages[i].Status != Failed {
		return false
	}
	conv.messages = slices.Delete(conv.messages, i, i+1)
	c.bump(conv)
	return true
}

// Lookup returns the message with id in the friend's conversation.
func (c *Conversations) Lookup(friendID, id int64) (Message, bool) {
	conv, ok := c.byFriend[friendID]
	if !ok {
		return Message{}, false
	}
	if i := conv.index(id); i >= 0 {
		return conv.messages[i], true
	}
	return Message{}, false
}

// LookupCorrelation returns the message sent under token.
func (c *Conversations) LookupCorrelation(friendID int64, token string) (Message, bool) {
	conv, ok := c.byFriend[friendID]
	if !ok || token == "" {
		return Message{}, false
	}
	if i := conv.indexCorrelation(token); i >= 0 {
		return conv.messages[i], true
	}
	return Message{}, false
}

// MarkRead resets the unread counter. Message content and order are untouched.
func (c *Conversations) MarkRead(friendID int64) bool {
	conv, ok := c.byFriend[friendID]
	if !ok || conv.unread == 0 {
		return false
	}
	conv.unread = 0
	c.bump(conv)
	return true
}

// IngestSummary applies one chat-list delta entry: the last message is
// ingested without counting as unread, and the server's unread counter is
// taken unless the conversation is open.
func (c *Conversations) IngestSummary(friendID int64, last *Message, unread int) bool {
	_, existed := c.byFriend[friendID]
	conv := c.get(friendID)
	changed := !existed
	if last != nil && c.FriendOf(*last) == friendID && c.ingest(*last, false) {
		changed = true
	}
	if conv.active == 0 && unread >= 0 && conv.unread != unread {
		conv.unread = unread
		changed = true
	}
	if changed {
		c.bump(conv)
	}
	return changed
}

// SetActive records that a consumer opened (or closed) the conversation.
// Inbound messages do not count as unread while it is open.
func (c *Conversations) SetActive(friendID int64, active bool) {
	conv := c.get(friendID)
	if active {
		conv.active++
	} else if conv.active > 0 {
		conv.active--
	}
}

// Messages returns a time-descending copy of the friend's messages.
func (c *Conversations) Messages(friendID int64) []Message {
	if conv, ok := c.byFriend[friendID]; ok {
		return slices.Clone(conv.messages)
	}
	return nil
}

// View returns a snapshot of the friend's conversation.
func (c *Conversations) View(friendID int64) ConversationView {
	v := ConversationView{FriendID: friendID}
	if conv, ok := c.byFriend[friendID]; ok {
		v.Messages = slices.Clone(conv.messages)
		v.UnreadCount = conv.unread
	}
	return v
}

// UnreadCount returns the friend's unread counter.
func (c *Conversations) UnreadCount(friendID int64) int {
	if conv, ok := c.byFriend[friendID]; ok {
		return conv.unread
	}
	return 0
}

// Len returns the number of conversations.
func (c *Conversations) Len() int {
	return len(c.byFriend)
}

// Version changes whenever any conversation changes.
func (c *Conversations) Version() uint64 {
	return c.version
}

// Revision changes whenever the friend's conversation changes.
func (c *Conversations) Revision(friendID int64) uint64 {
	if conv, ok := c.byFriend[friendID]; ok {
		return conv.rev
	}
	return 0
}

func (c *Conversations) get(friendID int64) *conversation {
	conv, ok := c.byFriend[friendID]
	if !ok {
		conv = &conversation{friendID: friendID}
		c.byFriend[friendID] = conv
	}
	return conv
}

func (c *Conversations) bump(conv *conversation) {
	c.version++
	conv.rev = c.version
}
