package router

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/matheus3301/chatwave/internal/bus"
	"github.com/matheus3301/chatwave/internal/protocol"
	"github.com/matheus3301/chatwave/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const self int64 = 1

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeCommands struct {
	acks    []protocol.AckPayload
	nacks   []protocol.NackPayload
	owned   map[string]bool
	contact []store.User
	echoes  map[string]int64
}

func (f *fakeCommands) Ack(p protocol.AckPayload) bool {
	f.acks = append(f.acks, p)
	return true
}

func (f *fakeCommands) Nack(p protocol.NackPayload) bool {
	f.nacks = append(f.nacks, p)
	return true
}

func (f *fakeCommands) ContactAdded(token string, u store.User) bool {
	if !f.owned[token] {
		return false
	}
	f.contact = append(f.contact, u)
	return true
}

func (f *fakeCommands) Echo(token string, messageID int64) bool {
	if f.echoes == nil {
		f.echoes = map[string]int64{}
	}
	f.echoes[token] = messageID
	return true
}

type fixture struct {
	r     *Router
	convs *store.Conversations
	dir   *store.Directory
	cmds  *fakeCommands
	bus   *bus.Bus
}

func newFixture() *fixture {
	f := &fixture{
		convs: store.NewConversations(self),
		dir:   store.NewDirectory(),
		cmds:  &fakeCommands{owned: map[string]bool{}},
		bus:   bus.New(),
	}
	f.r = New(f.convs, f.dir, f.cmds, f.bus, zap.NewNop())
	f.r.now = func() time.Time { return t0.Add(time.Hour) }
	return f
}

func frame(t *testing.T, typ protocol.FrameType, payload any) protocol.Frame {
	t.Helper()
	fr, err := protocol.NewFrame(typ, payload)
	require.NoError(t, err)
	return fr
}

func TestRouteChatMessage(t *testing.T) {
	f := newFixture()

	err := f.r.Route(frame(t, protocol.TypeChatMessage, protocol.MessagePayload{
		ID: 10, FromID: 7, ToID: self, Body: "hi", CreatedAt: t0, Status: "DELIVERED",
	}))
	require.NoError(t, err)

	msgs := f.convs.Messages(7)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.Message{ID: 10, FromID: 7, ToID: self, Body: "hi", CreatedAt: t0, Status: store.Delivered}, msgs[0])
	assert.Equal(t, 1, f.convs.UnreadCount(7))
}

func TestRouteReplayIsNoOp(t *testing.T) {
	f := newFixture()
	fr := frame(t, protocol.TypeChatMessage, protocol.MessagePayload{ID: 10, FromID: 7, ToID: self, Body: "hi", CreatedAt: t0, Status: "SENT"})

	require.NoError(t, f.r.Route(fr))
	version := f.convs.Version()
	require.NoError(t, f.r.Route(fr))

	assert.Equal(t, version, f.convs.Version())
	assert.Len(t, f.convs.Messages(7), 1)
	assert.Equal(t, 1, f.convs.UnreadCount(7))
}

func TestRouteMessageWithoutStatusDefaultsToSent(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.r.Route(frame(t, protocol.TypeChatMessage, protocol.MessagePayload{ID: 3, FromID: 7, ToID: self, CreatedAt: t0})))
	assert.Equal(t, store.Sent, f.convs.Messages(7)[0].Status)
}

func TestRouteDropsInvalidFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame protocol.Frame
	}{
		{"unknown type", protocol.Frame{Type: "typing", Payload: json.RawMessage(`{}`)}},
		{"missing payload", protocol.Frame{Type: protocol.TypeChatMessage}},
		{"bad json", protocol.Frame{Type: protocol.TypeChatMessage, Payload: json.RawMessage(`{"id":"x"}`)}},
		{"zero id", protocol.Frame{Type: protocol.TypeChatMessage, Payload: json.RawMessage(`{"id":0,"fromId":7,"toId":1}`)}},
		{"negative id", protocol.Frame{Type: protocol.TypeChatMessage, Payload: json.RawMessage(`{"id":-4,"fromId":7,"toId":1}`)}},
		{"bad status", protocol.Frame{Type: protocol.TypeChatMessage, Payload: json.RawMessage(`{"id":4,"fromId":7,"toId":1,"status":"SEEN"}`)}},
		{"bad presence", protocol.Frame{Type: protocol.TypePresenceUpdate, Payload: json.RawMessage(`{"userId":3,"status":"AWAY"}`)}},
		{"ack without token", protocol.Frame{Type: protocol.TypeAck, Payload: json.RawMessage(`{"messageId":4}`)}},
		{"nack without token", protocol.Frame{Type: protocol.TypeNack, Payload: json.RawMessage(`{}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			events, unsub := f.bus.Subscribe("router.", 1)
			defer unsub()

			require.Error(t, f.r.Route(tt.frame))

			assert.Zero(t, f.convs.Len())
			assert.Empty(t, f.dir.Users())
			assert.Empty(t, f.cmds.acks)
			assert.Empty(t, f.cmds.nacks)
			select {
			case evt := <-events:
				assert.Equal(t, bus.KindFrameDropped, evt.Kind)
				assert.Equal(t, tt.frame.Type, evt.Payload.(Dropped).Type)
			default:
				t.Error("no drop event")
			}
		})
	}
}

func TestRouteUnknownTypeIsTyped(t *testing.T) {
	f := newFixture()
	err := f.r.Route(protocol.Frame{Type: "typing"})
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestRoutePongIsIgnored(t *testing.T) {
	f := newFixture()
	assert.NoError(t, f.r.Route(protocol.Frame{Type: protocol.TypePong}))
}

func TestRoutePresence(t *testing.T) {
	f := newFixture()
	t1, t2 := t0, t0.Add(time.Minute)

	require.NoError(t, f.r.Route(frame(t, protocol.TypePresenceUpdate, protocol.PresencePayload{UserID: 3, Status: "ONLINE", UpdatedAt: t2})))
	require.NoError(t, f.r.Route(frame(t, protocol.TypePresenceUpdate, protocol.PresencePayload{UserID: 3, Status: "OFFLINE", UpdatedAt: t1})))

	u, ok := f.dir.User(3)
	require.True(t, ok)
	assert.Equal(t, store.Online, u.Status)
	assert.Equal(t, t2, u.UpdatedAt)
}

func TestRoutePresenceWithProfile(t *testing.T) {
	f := newFixture()

	require.NoError(t, f.r.Route(frame(t, protocol.TypePresenceUpdate, protocol.PresencePayload{
		UserID: 3, Status: "ACTIVE", UpdatedAt: t0,
		Profile: &protocol.UserPayload{FirstName: "Ann", LastName: "Lee", ContactNo: "771"},
	})))

	u, ok := f.dir.User(3)
	require.True(t, ok)
	assert.Equal(t, "Ann Lee", u.DisplayName())
	assert.Equal(t, store.Active, u.Status)
	assert.Equal(t, t0, u.UpdatedAt)
}

func TestRoutePresenceWithoutTimestampUsesReceiveTime(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.r.Route(frame(t, protocol.TypePresenceUpdate, protocol.PresencePayload{UserID: 3, Status: "ONLINE"})))

	u, _ := f.dir.User(3)
	assert.Equal(t, t0.Add(time.Hour), u.UpdatedAt)
}

func TestRouteChatListDelta(t *testing.T) {
	f := newFixture()
	last := &protocol.MessagePayload{ID: 9, FromID: 7, ToID: self, Body: "see you", CreatedAt: t0, Status: "DELIVERED"}

	require.NoError(t, f.r.Route(frame(t, protocol.TypeChatListDelta, protocol.ChatListDeltaPayload{
		Entries: []protocol.ChatListEntry{
			{FriendID: 7, LastMessage: last, UnreadCount: 3},
			{FriendID: 0, UnreadCount: 1}, // skipped
		},
	})))

	assert.Equal(t, 3, f.convs.UnreadCount(7))
	msgs := f.convs.Messages(7)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(9), msgs[0].ID)
}

func TestRouteContactAdded(t *testing.T) {
	user := protocol.UserPayload{ID: 40, FirstName: "Ann", Status: "OFFLINE", UpdatedAt: t0}

	t.Run("owned by queue", func(t *testing.T) {
		f := newFixture()
		f.cmds.owned["tok"] = true
		require.NoError(t, f.r.Route(frame(t, protocol.TypeContactAdded, protocol.ContactAddedPayload{CorrelationID: "tok", User: user})))
		require.Len(t, f.cmds.contact, 1)
		assert.Equal(t, int64(40), f.cmds.contact[0].ID)
		// The queue is responsible for the directory write.
		assert.Empty(t, f.dir.Users())
	})

	t.Run("unsolicited", func(t *testing.T) {
		f := newFixture()
		require.NoError(t, f.r.Route(frame(t, protocol.TypeContactAdded, protocol.ContactAddedPayload{CorrelationID: "other", User: user})))
		assert.Empty(t, f.cmds.contact)
		u, ok := f.dir.User(40)
		require.True(t, ok)
		assert.Equal(t, store.Offline, u.Status)
	})
}

func TestRouteAckNack(t *testing.T) {
	f := newFixture()

	require.NoError(t, f.r.Route(frame(t, protocol.TypeAck, protocol.AckPayload{CorrelationID: "a", MessageID: 5})))
	require.NoError(t, f.r.Route(frame(t, protocol.TypeNack, protocol.NackPayload{CorrelationID: "b", Reason: "nope"})))

	assert.Equal(t, []protocol.AckPayload{{CorrelationID: "a", MessageID: 5}}, f.cmds.acks)
	assert.Equal(t, []protocol.NackPayload{{CorrelationID: "b", Reason: "nope"}}, f.cmds.nacks)
}

func TestRouteOwnEchoSettlesCommand(t *testing.T) {
	f := newFixture()

	require.NoError(t, f.r.Route(frame(t, protocol.TypeChatMessage, protocol.MessagePayload{
		ID: 500, FromID: self, ToID: 7, Body: "hi", CreatedAt: t0, Status: "DELIVERED", CorrelationID: "tok",
	})))
	require.NoError(t, f.r.Route(frame(t, protocol.TypeChatMessage, protocol.MessagePayload{
		ID: 501, FromID: 7, ToID: self, Body: "yo", CreatedAt: t0,
	})))

	assert.Equal(t, map[string]int64{"tok": 500}, f.cmds.echoes)
}

func TestRouteProfileWithoutStatusKeepsPresence(t *testing.T) {
	t.Run("contact added", func(t *testing.T) {
		f := newFixture()
		require.True(t, f.dir.IngestPresence(9, store.Online, t0))

		require.NoError(t, f.r.Route(frame(t, protocol.TypeContactAdded, protocol.ContactAddedPayload{
			User: protocol.UserPayload{ID: 9, FirstName: "Bo", UpdatedAt: t0.Add(time.Nanosecond)},
		})))

		u, ok := f.dir.User(9)
		require.True(t, ok)
		assert.Equal(t, "Bo", u.FirstName)
		assert.Equal(t, store.Online, u.Status)
	})

	t.Run("unknown user has no presence", func(t *testing.T) {
		f := newFixture()
		require.NoError(t, f.r.Route(frame(t, protocol.TypeContactAdded, protocol.ContactAddedPayload{
			User: protocol.UserPayload{ID: 9, FirstName: "Bo", UpdatedAt: t0},
		})))

		u, ok := f.dir.User(9)
		require.True(t, ok)
		assert.Empty(t, u.Status)
	})

	t.Run("invalid status still rejected", func(t *testing.T) {
		f := newFixture()
		err := f.r.Route(frame(t, protocol.TypeContactAdded, protocol.ContactAddedPayload{
			User: protocol.UserPayload{ID: 9, FirstName: "Bo", Status: "AWAY", UpdatedAt: t0},
		}))
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})
}
