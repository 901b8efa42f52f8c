package store

import (
	"cmp"
	"slices"
	"strings"
)

// ChatList is the sorted chat summary projection. It has no mutation API:
// it is derived from the conversations and the directory and rebuilt only
// when one of them changed, so repeated filtering stays cheap.
type ChatList struct {
	convs *Conversations
	dir   *Directory

	convVersion uint64
	dirVersion  uint64
	built       bool
	rev         uint64
	cached      []ChatSummary
}

// NewChatList derives a chat list from the given stores.
func NewChatList(convs *Conversations, dir *Directory) *ChatList {
	return &ChatList{convs: convs, dir: dir}
}

// Summaries returns the chat list, most recent conversation first.
func (l *ChatList) Summaries() []ChatSummary {
	l.refresh()
	return slices.Clone(l.cached)
}

// Filter returns the summaries whose friend name or last message contains
// query, case-insensitively. An empty query returns everything.
func (l *ChatList) Filter(query string) []ChatSummary {
	l.refresh()
	return FilterSummaries(l.cached, query)
}

// Revision changes whenever the projection changes.
func (l *ChatList) Revision() uint64 {
	l.refresh()
	return l.rev
}

func (l *ChatList) refresh() {
	if l.built && l.convVersion == l.convs.Version() && l.dirVersion == l.dir.Version() {
		return
	}
	next := make([]ChatSummary, 0, len(l.convs.byFriend))
	for _, conv := range l.convs.byFriend {
		if len(conv.messages) == 0 {
			continue
		}
		last := conv.messages[0]
		s := ChatSummary{
			FriendID:      conv.friendID,
			LastMessage:   last.Body,
			LastTimeStamp: last.CreatedAt,
			UnreadCount:   conv.unread,
		}
		u, ok := l.dir.User(conv.friendID)
		if !ok {
			u = User{ID: conv.friendID}
		}
		s.FriendName = u.DisplayName()
		s.ProfileImage = u.ProfileImage
		next = append(next, s)
	}
	slices.SortFunc(next, func(a, b ChatSummary) int {
		if c := b.LastTimeStamp.Compare(a.LastTimeStamp); c != 0 {
			return c
		}
		return cmp.Compare(a.FriendID, b.FriendID)
	})

	l.convVersion = l.convs.Version()
	l.dirVersion = l.dir.Version()
	if l.built && slices.Equal(next, l.cached) {
		return
	}
	l.built = true
	l.cached = next
	l.rev++
}

// FilterSummaries filters a chat list snapshot by a case-insensitive
// substring of the friend name or last message.
func FilterSummaries(list []ChatSummary, query string) []ChatSummary {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return slices.Clone(list)
	}
	var out []ChatSummary
	for _, s := range list {
		if strings.Contains(strings.ToLower(s.FriendName), q) || strings.Contains(strings.ToLower(s.LastMessage), q) {
			out = append(out, s)
		}
	}
	return out
}
