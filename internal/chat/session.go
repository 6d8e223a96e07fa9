//go:generate go run go.uber.org/mock/mockgen -source=session.go -destination=../mocks/mock_chat.go -package=mocks

// Package chat keeps the ordered, deduplicated message view of one
// conversation and the composer that writes into it.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"militext/internal/api"
	"militext/internal/apperr"
	"militext/internal/connection"
	"militext/internal/models"
	"militext/internal/transport"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

const (
	DefaultPageSize      = 20
	DefaultTypingTimeout = 2 * time.Second
	DefaultOlderDebounce = 300 * time.Millisecond
	DefaultJoinTimeout   = 5 * time.Second
)

// Transport is the live connection as seen by a session.
type Transport interface {
	Emit(msg models.WSMessage) error
	Subscribe(event string, handler func(models.WSMessage)) transport.Subscription
	WatchState(handler func(connection.State)) transport.Subscription
	State() connection.State
}

// MessageAPI is the REST side of a conversation.
type MessageAPI interface {
	FetchBefore(ctx context.Context, room, before string, limit int) (models.MessagesPage, error)
	EditMessage(ctx context.Context, room, messageID, content string) (models.Message, error)
	DeleteMessages(ctx context.Context, room string, messageIDs []string) (int, error)
}

// Uploader resolves picked files to attachment references.
type Uploader interface {
	Upload(ctx context.Context, files []api.File) ([]models.Attachment, error)
}

type Config struct {
	PageSize      int
	TypingTimeout time.Duration
	OlderDebounce time.Duration
	JoinTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.TypingTimeout <= 0 {
		c.TypingTimeout = DefaultTypingTimeout
	}
	if c.OlderDebounce <= 0 {
		c.OlderDebounce = DefaultOlderDebounce
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	return c
}

type ViewEventKind string

const (
	ListChanged    ViewEventKind = "listChanged"
	ScrollToLatest ViewEventKind = "scrollToLatest"
	TypingChanged  ViewEventKind = "typingChanged"
	LoadFailed     ViewEventKind = "loadFailed"
	// ChatRenamed carries the new group name in Name.
	ChatRenamed ViewEventKind = "chatRenamed"
	// ChatClosed means the server removed the user from the open chat. The
	// session has left it; loaded messages stay readable.
	ChatClosed ViewEventKind = "chatClosed"
)

// ViewEvent tells the presentation layer what to redraw.
type ViewEvent struct {
	Kind ViewEventKind
	// Typing is who is typing for TypingChanged, nil when nobody is.
	Typing *models.UserRef
	Name   string
	Err    error
}

type joinWait struct {
	ch   chan struct{}
	once sync.Once
	err  error
}

// release ends the wait. err is nil when the server acknowledged the join.
func (j *joinWait) release(err error) {
	j.once.Do(func() {
		j.err = err
		close(j.ch)
	})
}

// Session is the view of one conversation at a time. It owns its message
// list; callers read copies through Messages.
type Session struct {
	log      *slog.Logger
	conn     Transport
	api      MessageAPI
	uploader Uploader
	me       models.UserRef
	cfg      Config
	view     *transport.Bus[ViewEvent]
	remote   *remoteTyping

	mu           sync.Mutex
	gen          uint64
	room         string
	join         *joinWait
	subs         []transport.Subscription
	list         MessageList
	hasMore      bool
	loading      bool
	typing       *localTyping
	olderTimer   *time.Timer
	reconnecting bool
}

func NewSession(log *slog.Logger, conn Transport, msgs MessageAPI, uploader Uploader, me models.UserRef, cfg Config) *Session {
	s := &Session{
		log:      log,
		conn:     conn,
		api:      msgs,
		uploader: uploader,
		me:       me,
		cfg:      cfg.withDefaults(),
		view:     transport.NewBus[ViewEvent](),
	}
	s.remote = newRemoteTyping(s.cfg.TypingTimeout, func(who *models.UserRef) {
		s.publish(ViewEvent{Kind: TypingChanged, Typing: who})
	})
	return s
}

// Watch subscribes the presentation layer to one kind of view event.
func (s *Session) Watch(kind ViewEventKind, handler func(ViewEvent)) transport.Subscription {
	return s.view.Subscribe(string(kind), handler)
}

func (s *Session) publish(ev ViewEvent) {
	s.view.Publish(string(ev.Kind), ev)
}

func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list.Items()
}

func (s *Session) Message(id string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list.Get(id)
}

func (s *Session) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// TypingUser is who else is typing in the room, nil when nobody is.
func (s *Session) TypingUser() *models.UserRef {
	return s.remote.current()
}

// Open leaves the current room, joins roomID and loads the latest page.
// Events for the previous room are dropped from the moment Open is called.
// An Open superseded by a newer Open or by Close returns nil.
func (s *Session) Open(ctx context.Context, roomID string) error {
	s.mu.Lock()
	prev, prevTyping := s.room, s.typing
	s.detachLocked()

	s.gen++
	gen := s.gen
	s.room = roomID
	s.list = MessageList{}
	s.hasMore, s.loading, s.reconnecting = true, false, false
	join := &joinWait{ch: make(chan struct{})}
	s.join = join
	s.typing = newLocalTyping(s.cfg.TypingTimeout, s.typingEmitter(roomID))
	s.subs = []transport.Subscription{
		s.conn.Subscribe(models.EventJoined, s.onJoined),
		s.conn.Subscribe(models.EventNewMessage, s.onNewMessage),
		s.conn.Subscribe(models.EventMessageEdited, s.onMessageEdited),
		s.conn.Subscribe(models.EventMessageDeleted, s.onMessageDeleted),
		s.conn.Subscribe(models.EventTyping, s.onTyping),
		s.conn.Subscribe(models.EventStopTyping, s.onStopTyping),
		s.conn.Subscribe(models.EventSocketError, s.onSocketError),
		s.conn.Subscribe(models.EventUpdateGroupName, s.onRenamed),
		s.conn.Subscribe(models.EventLeaveChat, s.onRemoved),
		s.conn.WatchState(s.onState),
	}
	s.mu.Unlock()

	s.remote.reset()
	if prevTyping != nil {
		prevTyping.set(false)
	}
	if prev != "" {
		if err := s.conn.Emit(models.WSMessage{Event: models.EventLeaveChat, Room: prev}); err != nil {
			s.log.Debug("Leaving room failed", "room", prev, "err", err)
		}
	}
	s.publish(ViewEvent{Kind: ListChanged})

	if err := s.conn.Emit(models.WSMessage{Event: models.EventJoinChat, Room: roomID}); err != nil {
		s.abandon(gen, false)
		return err
	}

	timer := time.NewTimer(s.cfg.JoinTimeout)
	defer timer.Stop()
	select {
	case <-join.ch:
	case <-timer.C:
		s.abandon(gen, true)
		return fmt.Errorf("%w: room %s", apperr.ErrJoinTimeout, roomID)
	case <-ctx.Done():
		s.abandon(gen, true)
		return ctx.Err()
	}
	if join.err != nil {
		s.abandon(gen, false)
		return join.err
	}
	if !s.current(gen) {
		return nil
	}

	page, err := s.api.FetchBefore(ctx, roomID, "", s.cfg.PageSize)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return nil
	}
	s.list.Merge(page.Messages)
	s.hasMore = page.HasMore
	s.mu.Unlock()

	s.log.Debug("Room opened", "room", roomID, "messages", len(page.Messages))
	s.publish(ViewEvent{Kind: ListChanged})
	s.publish(ViewEvent{Kind: ScrollToLatest})
	return nil
}

// Close leaves the room's live stream. Loaded messages stay readable.
func (s *Session) Close() {
	s.mu.Lock()
	room, typing := s.room, s.typing
	s.detachLocked()
	s.gen++
	s.room, s.typing = "", nil
	s.mu.Unlock()

	s.remote.reset()
	if typing != nil {
		typing.set(false)
	}
	if room != "" {
		if err := s.conn.Emit(models.WSMessage{Event: models.EventLeaveChat, Room: room}); err != nil {
			s.log.Debug("Leaving room failed", "room", room, "err", err)
		}
	}
}

// abandon unbinds the room of a failed Open unless a newer Open or Close
// took over. leave tells the server in case the join landed late.
func (s *Session) abandon(gen uint64, leave bool) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	room, typing := s.room, s.typing
	s.detachLocked()
	s.gen++
	s.room, s.typing = "", nil
	s.list = MessageList{}
	s.mu.Unlock()

	if typing != nil {
		typing.set(false)
	}
	if leave {
		if err := s.conn.Emit(models.WSMessage{Event: models.EventLeaveChat, Room: room}); err != nil {
			s.log.Debug("Leaving room failed", "room", room, "err", err)
		}
	}
	s.publish(ViewEvent{Kind: ListChanged})
}

// detachLocked drops the live subscriptions of the current room.
func (s *Session) detachLocked() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
	if s.join != nil {
		s.join.release(nil)
		s.join = nil
	}
	if s.olderTimer != nil {
		s.olderTimer.Stop()
		s.olderTimer = nil
	}
}

func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen
}

// LoadOlder prepends the page before the oldest loaded message. It does
// nothing while a fetch is in flight or when the history is exhausted.
func (s *Session) LoadOlder(ctx context.Context) error {
	s.mu.Lock()
	if s.room == "" {
		s.mu.Unlock()
		return apperr.ErrNoActiveRoom
	}
	if s.loading || !s.hasMore {
		s.mu.Unlock()
		return nil
	}
	before := ""
	if oldest, ok := s.list.Oldest(); ok {
		before = oldest.ID
	}
	s.loading = true
	room, gen := s.room, s.gen
	s.mu.Unlock()

	page, err := s.api.FetchBefore(ctx, room, before, s.cfg.PageSize)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return nil
	}
	s.loading = false
	if err != nil {
		s.mu.Unlock()
		return err
	}
	added := s.list.Merge(page.Messages)
	s.hasMore = page.HasMore
	s.mu.Unlock()

	if added > 0 {
		s.publish(ViewEvent{Kind: ListChanged})
	}
	return nil
}

// RequestOlder is the scroll-to-top trigger. Calls within the debounce
// window collapse into one LoadOlder; its failure is published as LoadFailed.
func (s *Session) RequestOlder() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == "" {
		return
	}
	if s.olderTimer != nil {
		s.olderTimer.Stop()
	}
	gen := s.gen
	s.olderTimer = time.AfterFunc(s.cfg.OlderDebounce, func() {
		if !s.current(gen) {
			return
		}
		if err := s.LoadOlder(context.Background()); err != nil {
			s.log.Warn("Loading older messages failed", "err", err)
			s.publish(ViewEvent{Kind: LoadFailed, Err: err})
		}
	})
}

// SendOption adjusts an outgoing message.
type SendOption func(*models.Message)

// InReplyTo marks the message as a reply to messageID.
func InReplyTo(messageID string) SendOption {
	return func(m *models.Message) { m.ReplyToID = messageID }
}

// Send appends an optimistic message, uploads files, then emits newMessage
// with the resolved attachments. On failure the optimistic entry is removed
// and the error returned. A reply must target a confirmed message of the
// open conversation.
func (s *Session) Send(ctx context.Context, content string, files []api.File, opts ...SendOption) (models.Message, error) {
	s.mu.Lock()
	if s.room == "" {
		s.mu.Unlock()
		return models.Message{}, apperr.ErrNoActiveRoom
	}
	now := time.Now().UTC()
	if latest, ok := s.list.Latest(); ok && latest.CreatedAt.After(now) {
		now = latest.CreatedAt
	}
	msg := models.Message{
		ID:        uuid.NewString(),
		Room:      s.room,
		Sender:    s.me,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
		Pending:   true,
	}
	for _, opt := range opts {
		opt(&msg)
	}
	if msg.ReplyToID != "" {
		if target, ok := s.list.Get(msg.ReplyToID); !ok || target.Pending {
			s.mu.Unlock()
			return models.Message{}, fmt.Errorf("%w: %s", apperr.ErrUnknownMessage, msg.ReplyToID)
		}
	}
	s.list.Insert(msg)
	typing := s.typing
	s.mu.Unlock()

	s.publish(ViewEvent{Kind: ListChanged})
	s.publish(ViewEvent{Kind: ScrollToLatest})

	if typing != nil {
		typing.set(false)
	}
	if s.conn.State() != connection.Connected {
		s.rollback(msg.ID)
		return models.Message{}, apperr.ErrNotConnected
	}

	if len(files) > 0 {
		atts, err := s.uploader.Upload(ctx, files)
		if err != nil {
			s.rollback(msg.ID)
			return models.Message{}, err
		}
		msg.Attachments = atts
		s.mu.Lock()
		s.list.SetAttachments(msg.ID, atts)
		s.mu.Unlock()
	}

	err := s.conn.Emit(models.WSMessage{
		Event:       models.EventNewMessage,
		Room:        msg.Room,
		ID:          msg.ID,
		Content:     msg.Content,
		Attachments: msg.Attachments,
		ReplyToID:   msg.ReplyToID,
	})
	if err != nil {
		s.rollback(msg.ID)
		return models.Message{}, err
	}
	return msg, nil
}

func (s *Session) rollback(id string) {
	s.mu.Lock()
	removed := s.list.RemovePending(id)
	s.mu.Unlock()
	if removed {
		s.publish(ViewEvent{Kind: ListChanged})
	}
}

// Edit changes the content of one of the user's messages and refetches the
// list from the server.
func (s *Session) Edit(ctx context.Context, messageID, content string) error {
	room, err := s.ownedMessages(messageID)
	if err != nil {
		return err
	}
	if _, err := s.api.EditMessage(ctx, room, messageID, content); err != nil {
		return err
	}
	return s.refetch(ctx)
}

// Delete removes the user's messages in bulk and refetches the list.
func (s *Session) Delete(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	room, err := s.ownedMessages(messageIDs...)
	if err != nil {
		return err
	}
	if _, err := s.api.DeleteMessages(ctx, room, lo.Uniq(messageIDs)); err != nil {
		return err
	}
	return s.refetch(ctx)
}

// ownedMessages checks that every id is a confirmed message of the user.
func (s *Session) ownedMessages(ids ...string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == "" {
		return "", apperr.ErrNoActiveRoom
	}
	for _, id := range ids {
		m, ok := s.list.Get(id)
		if !ok || m.Pending {
			return "", fmt.Errorf("%w: %s", apperr.ErrUnknownMessage, id)
		}
		if m.Sender.ID != s.me.ID {
			return "", fmt.Errorf("%w: %s", apperr.ErrNotOwner, id)
		}
	}
	return s.room, nil
}

// refetch reloads the latest window, at least as deep as what is loaded,
// and replaces the confirmed messages with the server's copy.
func (s *Session) refetch(ctx context.Context) error {
	s.mu.Lock()
	room, gen := s.room, s.gen
	limit := max(s.cfg.PageSize, s.list.Confirmed())
	s.mu.Unlock()
	if room == "" {
		return apperr.ErrNoActiveRoom
	}

	page, err := s.api.FetchBefore(ctx, room, "", limit)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return nil
	}
	s.list.Reset(page.Messages)
	s.hasMore = page.HasMore
	s.mu.Unlock()

	s.publish(ViewEvent{Kind: ListChanged})
	return nil
}

// OnIncoming merges a pushed message. Duplicates are ignored; the server
// echo of an optimistic message replaces it.
func (s *Session) OnIncoming(m models.Message) {
	s.mu.Lock()
	if s.room == "" || (m.Room != "" && m.Room != s.room) {
		s.mu.Unlock()
		return
	}
	if m.Room == "" {
		m.Room = s.room
	}
	m.Pending = false
	changed := s.list.Insert(m)
	s.mu.Unlock()

	if !changed {
		return
	}
	s.remote.stop(m.Sender.ID)
	s.publish(ViewEvent{Kind: ListChanged})
	if m.Sender.ID == s.me.ID {
		s.publish(ViewEvent{Kind: ScrollToLatest})
	}
}

// SetTyping reports local keystrokes. typing is emitted once per burst and
// stopTyping after the idle timeout or when called with false.
func (s *Session) SetTyping(typing bool) {
	s.mu.Lock()
	t := s.typing
	s.mu.Unlock()
	if t != nil {
		t.set(typing)
	}
}

// OnRemoteTyping shows who is typing. The user's own echo is ignored.
func (s *Session) OnRemoteTyping(who models.UserRef) {
	if s.isMe(who) {
		return
	}
	s.remote.start(who)
}

func (s *Session) OnRemoteStopTyping(who models.UserRef) {
	if s.isMe(who) {
		return
	}
	s.remote.stop(who.ID)
}

func (s *Session) isMe(who models.UserRef) bool {
	return (who.ID != "" && who.ID == s.me.ID) || (who.ID == "" && who.Username == s.me.Username)
}

func (s *Session) typingEmitter(room string) func(event string) {
	return func(event string) {
		if err := s.conn.Emit(models.WSMessage{Event: event, Room: room}); err != nil {
			s.log.Debug("Typing emit failed", "event", event, "room", room, "err", err)
		}
	}
}

func (s *Session) inRoom(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room != "" && room == s.room
}

func (s *Session) onJoined(msg models.WSMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.join != nil && msg.Room == s.room {
		s.join.release(nil)
		s.join = nil
	}
}

func (s *Session) onNewMessage(msg models.WSMessage) {
	if msg.Message == nil {
		return
	}
	m := *msg.Message
	if m.Room == "" {
		m.Room = msg.Room
	}
	if !s.inRoom(m.Room) {
		return
	}
	s.OnIncoming(m)
}

// onSocketError fails a pending join of the room, or drops the optimistic
// entry of a send the server refused.
func (s *Session) onSocketError(msg models.WSMessage) {
	if msg.ID == "" {
		s.mu.Lock()
		if s.join != nil && s.room != "" && msg.Room == s.room {
			s.join.release(apperr.FromCode(msg.Code, msg.Error))
			s.join = nil
		}
		s.mu.Unlock()
		return
	}
	if !s.inRoom(msg.Room) {
		return
	}
	s.mu.Lock()
	removed := s.list.RemovePending(msg.ID)
	s.mu.Unlock()
	if !removed {
		return
	}
	err := apperr.FromCode(msg.Code, msg.Error)
	s.log.Warn("Message rejected", "room", msg.Room, "id", msg.ID, "err", err)
	s.publish(ViewEvent{Kind: ListChanged})
	s.publish(ViewEvent{Kind: LoadFailed, Err: err})
}

func (s *Session) onMessageEdited(msg models.WSMessage) {
	if msg.Message == nil || !s.inRoom(msg.Room) {
		return
	}
	s.mu.Lock()
	patched := s.list.Patch(msg.Message.ID, msg.Message.Content, msg.Message.UpdatedAt)
	s.mu.Unlock()
	if patched {
		s.publish(ViewEvent{Kind: ListChanged})
	}
}

func (s *Session) onMessageDeleted(msg models.WSMessage) {
	if !s.inRoom(msg.Room) {
		return
	}
	s.mu.Lock()
	removed := s.list.Remove(msg.MessageIDs...)
	s.mu.Unlock()
	if removed > 0 {
		s.publish(ViewEvent{Kind: ListChanged})
	}
}

func (s *Session) onRenamed(msg models.WSMessage) {
	if s.inRoom(msg.Room) {
		s.publish(ViewEvent{Kind: ChatRenamed, Name: msg.Name})
	}
}

// onRemoved drops the live stream of a chat the user was taken out of. The
// server already closed it, so no leaveChat is sent back.
func (s *Session) onRemoved(msg models.WSMessage) {
	s.mu.Lock()
	if s.room == "" || msg.Room != s.room {
		s.mu.Unlock()
		return
	}
	join, typing := s.join, s.typing
	s.join = nil
	s.detachLocked()
	s.gen++
	s.room, s.typing = "", nil
	s.mu.Unlock()

	err := fmt.Errorf("%w: %s", apperr.ErrRemovedFromChat, msg.Room)
	if join != nil {
		join.release(err)
	}
	if typing != nil {
		typing.set(false)
	}
	s.remote.reset()
	s.log.Info("Removed from chat", "room", msg.Room)
	s.publish(ViewEvent{Kind: ChatClosed, Err: err})
}

func (s *Session) onTyping(msg models.WSMessage) {
	if s.inRoom(msg.Room) {
		s.OnRemoteTyping(models.UserRef{ID: msg.UserID, Username: msg.Username})
	}
}

func (s *Session) onStopTyping(msg models.WSMessage) {
	if s.inRoom(msg.Room) {
		s.OnRemoteStopTyping(models.UserRef{ID: msg.UserID, Username: msg.Username})
	}
}

// onState re-joins the room after the connection was recovered and catches
// up on what was missed meanwhile.
func (s *Session) onState(state connection.State) {
	s.mu.Lock()
	switch state {
	case connection.Reconnecting:
		s.reconnecting = true
		s.mu.Unlock()
		return
	case connection.Connected:
		if !s.reconnecting || s.room == "" {
			s.mu.Unlock()
			return
		}
		s.reconnecting = false
	default:
		s.mu.Unlock()
		return
	}
	room := s.room
	s.mu.Unlock()

	if err := s.conn.Emit(models.WSMessage{Event: models.EventJoinChat, Room: room}); err != nil {
		s.log.Warn("Re-joining room failed", "room", room, "err", err)
		return
	}
	go func() {
		if err := s.refetch(context.Background()); err != nil {
			s.log.Warn("Catching up after reconnect failed", "room", room, "err", err)
			s.publish(ViewEvent{Kind: LoadFailed, Err: err})
		}
	}()
}
