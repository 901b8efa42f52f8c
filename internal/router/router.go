// Package router decodes inbound frames and dispatches them to the store or
// command that owns them. It holds no state of its own.
package router

import (
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatwave/internal/bus"
	"github.com/matheus3301/chatwave/internal/protocol"
	"github.com/matheus3301/chatwave/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrUnknownType marks a frame type the client does not handle.
	ErrUnknownType = errors.New("router: unknown frame type")
	// ErrInvalidPayload marks a payload that decoded but fails validation.
	ErrInvalidPayload = errors.New("router: invalid payload")
)

// Commands is the part of the outbound queue that inbound frames settle.
type Commands interface {
	Ack(p protocol.AckPayload) bool
	Nack(p protocol.NackPayload) bool
	ContactAdded(token string, u store.User) bool
	Echo(token string, messageID int64) bool
}

// Dropped is the bus payload for a frame the router refused.
type Dropped struct {
	Type protocol.FrameType
	Err  error
}

// Router dispatches frames. It must only be used from the engine loop.
type Router struct {
	convs  *store.Conversations
	dir    *store.Directory
	cmds   Commands
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time
}

// New creates a router writing to the given stores.
func New(convs *store.Conversations, dir *store.Directory, cmds Commands, b *bus.Bus, logger *zap.Logger) *Router {
	return &Router{
		convs:  convs,
		dir:    dir,
		cmds:   cmds,
		bus:    b,
		logger: logger,
		now:    time.Now,
	}
}

// Route applies one frame. Frames that cannot be applied are logged, reported
// on the bus and dropped; the error is returned for callers that care.
// Replays and stale updates are not errors.
func (r *Router) Route(f protocol.Frame) error {
	err := r.dispatch(f)
	if err != nil {
		r.logger.Warn("dropping frame", zap.String("type", string(f.Type)), zap.Error(err))
		r.bus.Emit(bus.KindFrameDropped, Dropped{Type: f.Type, Err: err})
	}
	return err
}

func (r *Router) dispatch(f protocol.Frame) error {
	switch f.Type {
	case protocol.TypeChatMessage:
		var p protocol.MessagePayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		m, err := toMessage(p)
		if err != nil {
			return err
		}
		r.convs.IngestMessage(m)
		if m.CorrelationID != "" {
			// Our own send came back before its ack.
			r.cmds.Echo(m.CorrelationID, m.ID)
		}

	case protocol.TypeChatListDelta:
		var p protocol.ChatListDeltaPayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		var bad int
		for _, e := range p.Entries {
			if err := r.applySummary(e); err != nil {
				r.logger.Warn("skipping chat list entry", zap.Int64("friend_id", e.FriendID), zap.Error(err))
				bad++
			}
		}
		if bad > 0 && bad == len(p.Entries) {
			return fmt.Errorf("%w: no usable chat list entries", ErrInvalidPayload)
		}

	case protocol.TypePresenceUpdate:
		var p protocol.PresencePayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		return r.applyPresence(p)

	case protocol.TypeContactAdded:
		var p protocol.ContactAddedPayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		u, err := r.toUser(p.User)
		if err != nil {
			return err
		}
		if p.CorrelationID != "" && r.cmds.ContactAdded(p.CorrelationID, u) {
			return nil
		}
		r.dir.IngestUser(u)

	case protocol.TypeAck:
		var p protocol.AckPayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		if p.CorrelationID == "" {
			return fmt.Errorf("%w: ack without correlation id", ErrInvalidPayload)
		}
		r.cmds.Ack(p)

	case protocol.TypeNack:
		var p protocol.NackPayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		if p.CorrelationID == "" {
			return fmt.Errorf("%w: nack without correlation id", ErrInvalidPayload)
		}
		r.cmds.Nack(p)

	case protocol.TypePong:
		// Consumed by the connection manager.

	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
	return nil
}

func (r *Router) applySummary(e protocol.ChatListEntry) error {
	if e.FriendID <= 0 {
		return fmt.Errorf("%w: friend id %d", ErrInvalidPayload, e.FriendID)
	}
	var last *store.Message
	if e.LastMessage != nil {
		m, err := toMessage(*e.LastMessage)
		if err != nil {
			return err
		}
		last = &m
	}
	r.convs.IngestSummary(e.FriendID, last, e.UnreadCount)
	return nil
}

func (r *Router) applyPresence(p protocol.PresencePayload) error {
	if p.Profile != nil {
		if p.Profile.ID == 0 {
			p.Profile.ID = p.UserID
		}
		if p.Profile.Status == "" {
			p.Profile.Status = p.Status
		}
		if p.Profile.UpdatedAt.IsZero() {
			p.Profile.UpdatedAt = p.UpdatedAt
		}
		u, err := r.toUser(*p.Profile)
		if err != nil {
			return err
		}
		r.dir.IngestUser(u)
		return nil
	}

	if p.UserID <= 0 {
		return fmt.Errorf("%w: user id %d", ErrInvalidPayload, p.UserID)
	}
	status := store.Presence(p.Status)
	if !status.Valid() {
		return fmt.Errorf("%w: presence %q", ErrInvalidPayload, p.Status)
	}
	r.dir.IngestPresence(p.UserID, status, r.stamp(p.UpdatedAt))
	return nil
}

func toMessage(p protocol.MessagePayload) (store.Message, error) {
	if p.ID <= 0 {
		return store.Message{}, fmt.Errorf("%w: message id %d", ErrInvalidPayload, p.ID)
	}
	status := store.DeliveryStatus(p.Status)
	if p.Status == "" {
		status = store.Sent
	}
	if !status.Valid() {
		return store.Message{}, fmt.Errorf("%w: message status %q", ErrInvalidPayload, p.Status)
	}
	return store.Message{
		ID:            p.ID,
		FromID:        p.FromID,
		ToID:          p.ToID,
		Body:          p.Body,
		CreatedAt:     p.CreatedAt,
		Status:        status,
		CorrelationID: p.CorrelationID,
	}, nil
}

func (r *Router) toUser(p protocol.UserPayload) (store.User, error) {
	if p.ID <= 0 {
		return store.User{}, fmt.Errorf("%w: user id %d", ErrInvalidPayload, p.ID)
	}
	// An empty status is left empty: presence only ever comes from the server.
	status := store.Presence(p.Status)
	if p.Status != "" && !status.Valid() {
		return store.User{}, fmt.Errorf("%w: presence %q", ErrInvalidPayload, p.Status)
	}
	return store.User{
		ID:           p.ID,
		FirstName:    p.FirstName,
		LastName:     p.LastName,
		CountryCode:  p.CountryCode,
		ContactNo:    p.ContactNo,
		ProfileImage: p.ProfileImage,
		Status:       status,
		UpdatedAt:    r.stamp(p.UpdatedAt),
	}, nil
}

// stamp substitutes the receive time for a missing server timestamp, so an
// untimed update still wins over what came before it.
func (r *Router) stamp(t time.Time) time.Time {
	if t.IsZero() {
		return r.now()
	}
	return t
}
