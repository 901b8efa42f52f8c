// Package sync runs the client-side sync engine: one event loop that owns
// every store, applies inbound frames and consumer commands in order, and
// publishes snapshots to subscribers.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/matheus3301/chatwave/internal/bus"
	"github.com/matheus3301/chatwave/internal/outbox"
	"github.com/matheus3301/chatwave/internal/protocol"
	"github.com/matheus3301/chatwave/internal/router"
	"github.com/matheus3301/chatwave/internal/status"
	"github.com/matheus3301/chatwave/internal/store"
	"github.com/matheus3301/chatwave/internal/view"
	"go.uber.org/zap"
)

var (
	// ErrStopped is returned by every call made while the engine is not running.
	ErrStopped = errors.New("sync: engine not running")
	// ErrEmptyMessage rejects a message with no text.
	ErrEmptyMessage = errors.New("sync: message body is empty")
	// ErrInvalidFriend rejects a non-positive friend id.
	ErrInvalidFriend = errors.New("sync: invalid friend id")
	// ErrIncompleteContact rejects a contact draft without a number.
	ErrIncompleteContact = errors.New("sync: contact number is required")
)

// Conn is the connection the engine drives. *conn.Manager implements it.
type Conn interface {
	Connect(ctx context.Context) error
	Send(frame protocol.Frame) error
	OnFrame(fn func(protocol.Frame))
	OnState(fn func(status.StatusChange))
	State() status.State
	Close() error
}

// Config holds the engine settings.
type Config struct {
	SelfID     int64
	AckTimeout time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine owns the stores for one signed-in session.
type Engine struct {
	cfg    Config
	conn   Conn
	logger *zap.Logger

	tasks   chan func()
	stop    chan struct{}
	done    chan struct{}
	started atomic.Bool
	stopped atomic.Bool

	// Owned by the loop.
	convs  *store.Conversations
	dir    *store.Directory
	chats  *store.ChatList
	router *router.Router
	queue  *outbox.Queue

	chatTopic  *view.Topic[[]store.ChatSummary]
	userTopic  *view.Topic[store.UserList]
	connTopic  *view.Topic[status.State]
	convTopics map[int64]*view.Topic[store.ConversationView]
	profTopics map[int64]*view.Topic[store.Profile]

	chatRev uint64
	dirVer  uint64
	convRev map[int64]uint64
	profRev map[int64]uint64
}

// NewEngine creates an engine for the local user cfg.SelfID over c.
func NewEngine(cfg Config, c Conn, b *bus.Bus, logger *zap.Logger) *Engine {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	e := &Engine{
		cfg:        cfg,
		conn:       c,
		logger:     logger,
		tasks:      make(chan func(), 256),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		convs:      store.NewConversations(cfg.SelfID),
		dir:        store.NewDirectory(),
		chatTopic:  view.NewTopic([]store.ChatSummary{}),
		userTopic:  view.NewTopic(store.UserList{}),
		connTopic:  view.NewTopic(c.State()),
		convTopics: make(map[int64]*view.Topic[store.ConversationView]),
		profTopics: make(map[int64]*view.Topic[store.Profile]),
		convRev:    make(map[int64]uint64),
		profRev:    make(map[int64]uint64),
	}
	e.chats = store.NewChatList(e.convs, e.dir)
	e.queue = outbox.New(outbox.Config{SelfID: cfg.SelfID, AckTimeout: cfg.AckTimeout, Now: cfg.Now},
		e.convs, e.dir, c, e.post, b, logger.Named("outbox"))
	e.router = router.New(e.convs, e.dir, e.queue, b, logger.Named("router"))

	c.OnFrame(func(f protocol.Frame) {
		e.post(func() { _ = e.router.Route(f) })
	})
	c.OnState(func(status.StatusChange) {
		e.post(e.onConnState)
	})
	return e
}

// Start runs the loop and opens the connection. Commands issued before the
// first connection are applied locally and transmitted once it is up.
func (e *Engine) Start(ctx context.Context) error {
	if e.stopped.Load() || !e.started.CompareAndSwap(false, true) {
		return ErrStopped
	}
	go e.run()

	if err := e.conn.Connect(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	e.logger.Info("engine started", zap.Int64("self_id", e.cfg.SelfID))
	return nil
}

// Close stops the loop, settles open commands, ends every subscription and
// closes the connection.
func (e *Engine) Close() error {
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(e.stop)
	if e.started.Load() {
		<-e.done
	} else {
		e.shutdown()
	}
	err := e.conn.Close()
	e.logger.Info("engine stopped")
	return err
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case fn := <-e.tasks:
			fn()
			e.flush()
		case <-e.stop:
			e.shutdown()
			return
		}
	}
}

func (e *Engine) shutdown() {
	e.queue.Close()
	e.chatTopic.Close()
	e.userTopic.Close()
	e.connTopic.Close()
	for _, t := range e.convTopics {
		t.Close()
	}
	for _, t := range e.profTopics {
		t.Close()
	}
}

// onConnState publishes the connection's current state rather than the
// change that triggered it, so reordered notifications settle on the truth.
func (e *Engine) onConnState() {
	st := e.conn.State()
	e.connTopic.Publish(st)
	if st.Online() {
		e.queue.Flush()
	}
}

// post queues fn on the loop. It returns false once the engine is stopped.
func (e *Engine) post(fn func()) bool {
	if !e.started.Load() {
		return false
	}
	select {
	case <-e.stop:
		return false
	default:
	}
	select {
	case e.tasks <- fn:
		return true
	case <-e.stop:
		return false
	}
}

// do runs fn on the loop and waits for it, including the snapshot publish
// that follows, so callers observe their own writes.
func (e *Engine) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !e.post(func() {
		fn()
		e.flush()
		close(finished)
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flush publishes every snapshot whose source changed since the last flush.
func (e *Engine) flush() {
	if rev := e.chats.Revision(); rev != e.chatRev {
		e.chatRev = rev
		e.chatTopic.Publish(e.chats.Summaries())
	}
	if ver := e.dir.Version(); ver != e.dirVer {
		e.dirVer = ver
		e.userTopic.Publish(e.dir.List())
	}
	for id, t := range e.convTopics {
		if rev := e.convs.Revision(id); rev != e.convRev[id] {
			e.convRev[id] = rev
			t.Publish(e.convs.View(id))
		}
	}
	for id, t := range e.profTopics {
		if rev := e.dir.Revision(id); rev != e.profRev[id] {
			e.profRev[id] = rev
			t.Publish(e.dir.Profile(id))
		}
	}
}

// SubscribeChatList follows the chat list, most recent conversation first.
func (e *Engine) SubscribeChatList() *view.Subscription[[]store.ChatSummary] {
	return e.chatTopic.Subscribe(nil)
}

// SubscribeUsers follows the user directory and pending contact requests.
func (e *Engine) SubscribeUsers() *view.Subscription[store.UserList] {
	return e.userTopic.Subscribe(nil)
}

// SubscribeConnection follows the connection state.
func (e *Engine) SubscribeConnection() *view.Subscription[status.State] {
	return e.connTopic.Subscribe(nil)
}

// SubscribeConversation follows one conversation. While at least one
// subscription is open the conversation counts as active and inbound
// messages are not counted as unread.
func (e *Engine) SubscribeConversation(ctx context.Context, friendID int64) (*view.Subscription[store.ConversationView], error) {
	if friendID <= 0 {
		return nil, ErrInvalidFriend
	}
	var sub *view.Subscription[store.ConversationView]
	err := e.do(ctx, func() {
		t, ok := e.convTopics[friendID]
		if !ok {
			t = view.NewTopic(e.convs.View(friendID))
			e.convTopics[friendID] = t
			e.convRev[friendID] = e.convs.Revision(friendID)
		}
		e.convs.SetActive(friendID, true)
		sub = t.Subscribe(func() {
			e.post(func() { e.releaseConversation(friendID) })
		})
	})
	return sub, err
}

func (e *Engine) releaseConversation(friendID int64) {
	e.convs.SetActive(friendID, false)
	if t, ok := e.convTopics[friendID]; ok && t.Len() == 0 {
		delete(e.convTopics, friendID)
		delete(e.convRev, friendID)
	}
}

// SubscribeProfile follows one user. Profile.Known stays false until the
// server has sent anything about the user.
func (e *Engine) SubscribeProfile(ctx context.Context, userID int64) (*view.Subscription[store.Profile], error) {
	var sub *view.Subscription[store.Profile]
	err := e.do(ctx, func() {
		t, ok := e.profTopics[userID]
		if !ok {
			t = view.NewTopic(e.dir.Profile(userID))
			e.profTopics[userID] = t
			e.profRev[userID] = e.dir.Revision(userID)
		}
		sub = t.Subscribe(func() {
			e.post(func() {
				if t, ok := e.profTopics[userID]; ok && t.Len() == 0 {
					delete(e.profTopics, userID)
					delete(e.profRev, userID)
				}
			})
		})
	})
	return sub, err
}

// SendMessage shows the message in the conversation immediately and
// transmits it. The receipt settles on ack, nack or timeout.
func (e *Engine) SendMessage(ctx context.Context, friendID int64, body string) (*outbox.Receipt, store.Message, error) {
	if friendID <= 0 {
		return nil, store.Message{}, ErrInvalidFriend
	}
	if strings.TrimSpace(body) == "" {
		return nil, store.Message{}, ErrEmptyMessage
	}
	var (
		r *outbox.Receipt
		m store.Message
	)
	err := e.do(ctx, func() { r, m = e.queue.SendMessage(friendID, body) })
	return r, m, err
}

// SendContact submits a contact request. It shows up as pending in the user
// list until the server confirms or rejects it.
func (e *Engine) SendContact(ctx context.Context, draft store.ContactDraft) (*outbox.Receipt, error) {
	if strings.TrimSpace(draft.ContactNo) == "" {
		return nil, ErrIncompleteContact
	}
	var r *outbox.Receipt
	err := e.do(ctx, func() { r = e.queue.SendContact(draft) })
	return r, err
}

// RetryMessage resubmits a FAILED message. Returns outbox.ErrNotFailed for
// anything else.
func (e *Engine) RetryMessage(ctx context.Context, friendID, messageID int64) (*outbox.Receipt, store.Message, error) {
	var (
		r      *outbox.Receipt
		m      store.Message
		runErr error
	)
	if err := e.do(ctx, func() { r, m, runErr = e.queue.Retry(friendID, messageID) }); err != nil {
		return nil, store.Message{}, err
	}
	return r, m, runErr
}

// MarkRead zeroes the unread counter and tells the server. The receipt is
// best effort: it is not retried if the link is down.
func (e *Engine) MarkRead(ctx context.Context, friendID int64) error {
	if friendID <= 0 {
		return ErrInvalidFriend
	}
	return e.do(ctx, func() {
		e.convs.MarkRead(friendID)
		f, err := protocol.NewFrame(protocol.TypeReadReceipt, protocol.ReadReceiptPayload{
			FriendID: friendID,
			ReadAt:   e.cfg.Now().UTC(),
		})
		if err != nil {
			e.logger.Error("encode read-receipt", zap.Error(err))
			return
		}
		if err := e.conn.Send(f); err != nil {
			e.logger.Debug("read-receipt not sent", zap.Int64("friend_id", friendID), zap.Error(err))
		}
	})
}

// SearchChats filters the chat list by friend name or last message.
func (e *Engine) SearchChats(ctx context.Context, query string) ([]store.ChatSummary, error) {
	var out []store.ChatSummary
	err := e.do(ctx, func() { out = e.chats.Filter(query) })
	return out, err
}

// ConnectionState returns the current connection state.
func (e *Engine) ConnectionState() status.State {
	return e.conn.State()
}
