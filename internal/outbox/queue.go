package outbox

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatwave/internal/bus"
	"github.com/matheus3301/chatwave/internal/protocol"
	"github.com/matheus3301/chatwave/internal/store"
	"go.uber.org/zap"
)

// Transport writes one frame on the live connection.
type Transport interface {
	Send(frame protocol.Frame) error
}

// Config holds the queue settings.
type Config struct {
	SelfID     int64
	AckTimeout time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// MessageEvent is the bus payload for message outcomes.
type MessageEvent struct {
	Token     string
	FriendID  int64
	TempID    int64
	MessageID int64
	Err       error
}

// ContactEvent is the bus payload for contact outcomes.
type ContactEvent struct {
	Token  string
	UserID int64
	Err    error
}

type commandKind int

const (
	sendMessage commandKind = iota
	sendContact
)

type command struct {
	token    string
	kind     commandKind
	friendID int64
	tempID   int64
	frame    protocol.Frame
	written  bool
	timer    *time.Timer
	receipt  *Receipt
}

// Queue turns consumer intents into optimistic store entries and outbound
// frames, then settles each command on ack, nack or timeout.
//
// Every method must be called from the engine loop. Ack timers fire on their
// own goroutine and come back through post.
type Queue struct {
	cfg       Config
	convs     *store.Conversations
	dir       *store.Directory
	transport Transport
	post      func(func()) bool
	bus       *bus.Bus
	logger    *zap.Logger

	nextTemp int64
	open     map[string]*command
	order    []string
	closed   bool
}

// New creates a queue writing optimistic entries into convs and dir.
func New(cfg Config, convs *store.Conversations, dir *store.Directory, t Transport, post func(func()) bool, b *bus.Bus, logger *zap.Logger) *Queue {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Queue{
		cfg:       cfg,
		convs:     convs,
		dir:       dir,
		transport: t,
		post:      post,
		bus:       b,
		logger:    logger,
		open:      make(map[string]*command),
	}
}

// SendMessage inserts an optimistic message under a fresh temporary id and
// transmits it behind any older command still waiting for the link. The
// returned message is what the store now holds.
func (q *Queue) SendMessage(friendID int64, body string) (*Receipt, store.Message) {
	token := uuid.NewString()
	q.nextTemp--
	m := store.Message{
		ID:            q.nextTemp,
		FromID:        q.cfg.SelfID,
		ToID:          friendID,
		Body:          body,
		CreatedAt:     q.cfg.Now(),
		Status:        store.Sent,
		CorrelationID: token,
	}
	if q.closed {
		r := newReceipt(token)
		r.settle(Result{State: Failed, Err: ErrClosed})
		return r, m
	}
	q.convs.AddLocal(m)

	frame, err := protocol.NewFrame(protocol.TypeSendMessage, protocol.SendMessagePayload{
		CorrelationID: token,
		ToID:          friendID,
		Body:          body,
		CreatedAt:     m.CreatedAt,
	})
	cmd := &command{token: token, kind: sendMessage, friendID: friendID, tempID: m.ID, frame: frame, receipt: newReceipt(token)}
	if err != nil {
		q.logger.Error("encode send-message", zap.Error(err))
		q.track(cmd)
		q.fail(cmd, err)
		return cmd.receipt, m
	}
	q.track(cmd)
	q.drain()
	return cmd.receipt, m
}

// SendContact records a pending contact request and transmits it.
func (q *Queue) SendContact(draft store.ContactDraft) *Receipt {
	token := uuid.NewString()
	if q.closed {
		r := newReceipt(token)
		r.settle(Result{State: Failed, Err: ErrClosed})
		return r
	}
	q.dir.AddPending(token, draft)

	frame, err := protocol.NewFrame(protocol.TypeSendContact, protocol.SendContactPayload{
		CorrelationID: token,
		FirstName:     draft.FirstName,
		LastName:      draft.LastName,
		CountryCode:   draft.CountryCode,
		ContactNo:     draft.ContactNo,
	})
	cmd := &command{token: token, kind: sendContact, frame: frame, receipt: newReceipt(token)}
	q.track(cmd)
	if err != nil {
		q.logger.Error("encode send-contact", zap.Error(err))
		q.fail(cmd, err)
		return cmd.receipt
	}
	q.drain()
	return cmd.receipt
}

// Retry resubmits a FAILED outgoing message as a brand new command. The
// failed entry is removed first so the conversation never shows both.
func (q *Queue) Retry(friendID, messageID int64) (*Receipt, store.Message, error) {
	m, ok := q.convs.Lookup(friendID, messageID)
	if !ok || m.Status != store.Failed || m.FromID != q.cfg.SelfID {
		return nil, store.Message{}, ErrNotFailed
	}
	q.convs.Remove(friendID, messageID)
	r, next := q.SendMessage(friendID, m.Body)
	q.logger.Info("retrying message", zap.Int64("friend_id", friendID), zap.Int64("failed_id", messageID), zap.String("token", r.Token))
	return r, next, nil
}

// Owns reports whether token belongs to an open command.
func (q *Queue) Owns(token string) bool {
	_, ok := q.open[token]
	return ok
}

// Len returns the number of open commands.
func (q *Queue) Len() int {
	return len(q.open)
}

// Ack confirms the command for p.CorrelationID. Acks for unknown or already
// settled commands are ignored.
func (q *Queue) Ack(p protocol.AckPayload) bool {
	cmd, ok := q.open[p.CorrelationID]
	if !ok {
		q.logger.Info("ignoring ack for settled or unknown command", zap.String("token", p.CorrelationID))
		return false
	}

	switch cmd.kind {
	case sendMessage:
		if p.MessageID <= 0 {
			// Keep the command open; the ack timer still settles it.
			q.logger.Warn("ignoring message ack without a server id", zap.String("token", cmd.token))
			return false
		}
		q.confirmMessage(cmd, p.MessageID)
	case sendContact:
		q.untrack(cmd)
		q.dir.ConfirmPending(cmd.token, nil)
		cmd.receipt.settle(Result{State: Confirmed, UserID: p.UserID})
		q.bus.Emit(bus.KindContactConfirmed, ContactEvent{Token: cmd.token, UserID: p.UserID})
		q.logger.Debug("contact confirmed", zap.Int64("user_id", p.UserID))
	}
	return true
}

// Echo settles an open send-message command whose server copy has already
// come back under token with messageID. It returns false for anything else.
func (q *Queue) Echo(token string, messageID int64) bool {
	cmd, ok := q.open[token]
	if !ok || cmd.kind != sendMessage || messageID <= 0 {
		return false
	}
	q.confirmMessage(cmd, messageID)
	return true
}

func (q *Queue) confirmMessage(cmd *command, messageID int64) {
	q.untrack(cmd)
	if !q.convs.Confirm(cmd.friendID, cmd.tempID, messageID) {
		q.logger.Warn("acked message missing from conversation",
			zap.Int64("friend_id", cmd.friendID), zap.Int64("temp_id", cmd.tempID))
	}
	cmd.receipt.settle(Result{State: Confirmed, MessageID: messageID})
	q.bus.Emit(bus.KindMessageConfirmed, MessageEvent{Token: cmd.token, FriendID: cmd.friendID, TempID: cmd.tempID, MessageID: messageID})
	q.logger.Debug("message confirmed", zap.Int64("temp_id", cmd.tempID), zap.Int64("message_id", messageID))
}

// ContactAdded confirms a contact request with the profile the server sent.
// It returns false when the token is not ours.
func (q *Queue) ContactAdded(token string, u store.User) bool {
	cmd, ok := q.open[token]
	if !ok || cmd.kind != sendContact {
		return false
	}
	q.untrack(cmd)
	q.dir.ConfirmPending(token, &u)
	cmd.receipt.settle(Result{State: Confirmed, UserID: u.ID})
	q.bus.Emit(bus.KindContactConfirmed, ContactEvent{Token: token, UserID: u.ID})
	return true
}

// Nack fails the command for p.CorrelationID with a RejectedError.
func (q *Queue) Nack(p protocol.NackPayload) bool {
	cmd, ok := q.open[p.CorrelationID]
	if !ok {
		q.logger.Info("ignoring nack for settled or unknown command", zap.String("token", p.CorrelationID))
		return false
	}
	q.fail(cmd, &RejectedError{Reason: p.Reason})
	return true
}

// Flush transmits, in submission order, every open command whose frame never
// made it onto a connection. It runs after each reconnect; commands already
// written are not resent.
func (q *Queue) Flush() int {
	n := q.drain()
	if n > 0 {
		q.logger.Info("flushed queued commands", zap.Int("count", n))
	}
	return n
}

// drain writes unwritten commands oldest first and stops at the first
// failure, so a newer frame never overtakes an older one.
func (q *Queue) drain() int {
	n := 0
	for _, token := range q.order {
		cmd := q.open[token]
		if cmd == nil || cmd.written {
			continue
		}
		if !q.transmit(cmd) {
			break
		}
		n++
	}
	return n
}

// Close stops every ack timer and settles open commands with ErrClosed.
// Store entries are left as they are.
func (q *Queue) Close() {
	if q.closed {
		return
	}
	q.closed = true
	for _, token := range q.order {
		cmd := q.open[token]
		cmd.timer.Stop()
		cmd.receipt.settle(Result{State: Failed, Err: ErrClosed})
	}
	clear(q.open)
	q.order = nil
}

func (q *Queue) track(cmd *command) {
	q.open[cmd.token] = cmd
	q.order = append(q.order, cmd.token)
	token := cmd.token
	cmd.timer = time.AfterFunc(q.cfg.AckTimeout, func() {
		q.post(func() { q.expire(token) })
	})
}

func (q *Queue) untrack(cmd *command) {
	cmd.timer.Stop()
	delete(q.open, cmd.token)
	if i := slices.Index(q.order, cmd.token); i >= 0 {
		q.order = slices.Delete(q.order, i, i+1)
	}
}

func (q *Queue) transmit(cmd *command) bool {
	if err := q.transport.Send(cmd.frame); err != nil {
		q.logger.Debug("frame held until reconnect", zap.String("token", cmd.token), zap.Error(err))
		return false
	}
	cmd.written = true
	return true
}

func (q *Queue) expire(token string) {
	cmd, ok := q.open[token]
	if !ok {
		return
	}
	q.logger.Warn("command timed out", zap.String("token", token), zap.Duration("timeout", q.cfg.AckTimeout))
	q.fail(cmd, ErrAckTimeout)
}

func (q *Queue) fail(cmd *command, err error) {
	q.untrack(cmd)
	switch cmd.kind {
	case sendMessage:
		// The entry may already carry its server id; find it by token.
		id := cmd.tempID
		if m, ok := q.convs.LookupCorrelation(cmd.friendID, cmd.token); ok {
			id = m.ID
		}
		if !q.convs.Fail(cmd.friendID, id) {
			q.logger.Warn("failed message missing from conversation",
				zap.Int64("friend_id", cmd.friendID), zap.Int64("temp_id", cmd.tempID))
		}
		q.bus.Emit(bus.KindMessageFailed, MessageEvent{Token: cmd.token, FriendID: cmd.friendID, TempID: cmd.tempID, Err: err})
	case sendContact:
		q.dir.FailPending(cmd.token, err.Error())
		q.bus.Emit(bus.KindContactFailed, ContactEvent{Token: cmd.token, Err: err})
	}
	cmd.receipt.settle(Result{State: Failed, Err: err})
}
