package app

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"militext/internal/handlers"
	"militext/internal/metrics"
	"militext/internal/models"
	"militext/internal/services"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

const testSecret = "test-secret"

var (
	alice = models.UserRef{ID: "0b0c1d55-0000-4000-8000-00000000000a", Username: "alice"}
	bob   = models.UserRef{ID: "0b0c1d55-0000-4000-8000-00000000000b", Username: "bob"}
	carol = models.UserRef{ID: "0b0c1d55-0000-4000-8000-00000000000c", Username: "carol"}
	dave  = models.UserRef{ID: "0b0c1d55-0000-4000-8000-00000000000d", Username: "dave"}

	knownUsers = lo.SliceToMap([]models.UserRef{alice, bob, carol, dave}, func(u models.UserRef) (string, string) {
		return u.ID, u.Username
	})
)

type beforeCall struct {
	room, before string
	limit        int
}

// memChats is an in-memory handlers.Chats.
type memChats struct {
	mu       sync.Mutex
	members  map[string][]string
	messages []models.Message
	before   []beforeCall
	groups   map[string]*memGroup
	now      time.Time
}

type memGroup struct {
	name    string
	admins  []string
	created time.Time
}

func newMemChats() *memChats {
	return &memChats{
		members: make(map[string][]string),
		groups:  make(map[string]*memGroup),
		now:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (m *memChats) addRoom(room string, users ...models.UserRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range users {
		m.members[room] = append(m.members[room], u.ID)
	}
}

func (m *memChats) add(msg models.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
}

func (m *memChats) beforeCalls() []beforeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.before)
}

func (m *memChats) GetOrCreateDirectRoom(_ context.Context, userID1, userID2 string) (models.RoomResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for room, ids := range m.members {
		if len(ids) == 2 && slices.Contains(ids, userID1) && slices.Contains(ids, userID2) {
			return models.RoomResponse{RoomID: room}, nil
		}
	}
	room := uuid.NewString()
	m.members[room] = []string{userID1, userID2}
	return models.RoomResponse{RoomID: room, IsNew: true}, nil
}

func (m *memChats) IsParticipant(_ context.Context, room, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Contains(m.members[room], userID), nil
}

func (m *memChats) Participants(_ context.Context, room string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.members[room]), nil
}

func (m *memChats) SaveMessage(_ context.Context, msg models.Message) (models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.messages {
		if existing.ID == msg.ID {
			return existing, nil
		}
	}
	if msg.ReplyToID != "" && !slices.ContainsFunc(m.messages, func(e models.Message) bool {
		return e.ID == msg.ReplyToID && e.Room == msg.Room
	}) {
		return models.Message{}, services.ErrNotFound
	}
	m.now = m.now.Add(time.Second)
	msg.CreatedAt, msg.UpdatedAt = m.now, m.now
	m.messages = append(m.messages, msg)
	return msg, nil
}

func (m *memChats) MessagesBefore(_ context.Context, room, before string, limit int) (models.MessagesPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.before = append(m.before, beforeCall{room: room, before: before, limit: limit})

	var inRoom []models.Message
	for _, msg := range m.messages {
		if msg.Room != room {
			continue
		}
		if msg.ID == before {
			break
		}
		inRoom = append(inRoom, msg)
	}
	page := models.MessagesPage{Messages: inRoom}
	if len(inRoom) > limit {
		page.Messages, page.HasMore = inRoom[len(inRoom)-limit:], true
	}
	return page, nil
}

func (m *memChats) EditMessage(_ context.Context, room, messageID, userID, content string) (models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, msg := range m.messages {
		if msg.ID != messageID || msg.Room != room {
			continue
		}
		if msg.Sender.ID != userID {
			return models.Message{}, services.ErrForbidden
		}
		m.messages[i].Content = content
		m.messages[i].UpdatedAt = msg.UpdatedAt.Add(time.Minute)
		return m.messages[i], nil
	}
	return models.Message{}, services.ErrNotFound
}

func (m *memChats) DeleteMessages(_ context.Context, room, userID string, ids []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted []string
	m.messages = slices.DeleteFunc(m.messages, func(msg models.Message) bool {
		if msg.Room == room && msg.Sender.ID == userID && slices.Contains(ids, msg.ID) {
			deleted = append(deleted, msg.ID)
			return true
		}
		return false
	})
	return deleted, nil
}

func (m *memChats) ChatSummaries(_ context.Context, userID string) ([]models.ChatSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ChatSummary
	for room, ids := range m.members {
		if !slices.Contains(ids, userID) {
			continue
		}
		c := models.ChatSummary{ID: room, Participants: m.refsLocked(room)}
		if g, ok := m.groups[room]; ok {
			c.Name, c.IsGroup = g.name, true
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *memChats) Contacts(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, ids := range m.members {
		if slices.Contains(ids, userID) {
			out = append(out, lo.Without(ids, userID)...)
		}
	}
	return lo.Uniq(out), nil
}

func (m *memChats) refsLocked(room string) []models.UserRef {
	return lo.Map(m.members[room], func(id string, _ int) models.UserRef {
		return models.UserRef{ID: id, Username: knownUsers[id]}
	})
}

func (m *memChats) groupLocked(room string) models.GroupChat {
	g := m.groups[room]
	return models.GroupChat{
		ID:           room,
		Name:         g.name,
		Participants: m.refsLocked(room),
		Admins:       slices.Clone(g.admins),
		CreatedAt:    g.created,
	}
}

func (m *memChats) adminLocked(room, userID string) error {
	g, ok := m.groups[room]
	switch {
	case !ok:
		return services.ErrNotFound
	case !slices.Contains(m.members[room], userID):
		return services.ErrNotParticipant
	case !slices.Contains(g.admins, userID):
		return services.ErrForbidden
	}
	return nil
}

func (m *memChats) CreateGroup(_ context.Context, ownerID, name string, memberIDs []string) (models.GroupChat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := lo.Uniq(lo.Without(memberIDs, ownerID))
	if strings.TrimSpace(name) == "" || len(members) < 2 {
		return models.GroupChat{}, services.ErrInvalidInput
	}
	for _, id := range members {
		if _, ok := knownUsers[id]; !ok {
			return models.GroupChat{}, services.ErrNotFound
		}
	}
	room := uuid.NewString()
	m.members[room] = append([]string{ownerID}, members...)
	m.groups[room] = &memGroup{name: strings.TrimSpace(name), admins: []string{ownerID}, created: m.now}
	return m.groupLocked(room), nil
}

func (m *memChats) GroupInfo(_ context.Context, room string) (models.GroupChat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[room]; !ok {
		return models.GroupChat{}, services.ErrNotFound
	}
	return m.groupLocked(room), nil
}

func (m *memChats) RenameGroup(_ context.Context, room, userID, name string) (models.GroupChat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.adminLocked(room, userID); err != nil {
		return models.GroupChat{}, err
	}
	m.groups[room].name = name
	return m.groupLocked(room), nil
}

func (m *memChats) AddParticipant(_ context.Context, room, adminID, userID string) (models.GroupChat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.adminLocked(room, adminID); err != nil {
		return models.GroupChat{}, err
	}
	if _, ok := knownUsers[userID]; !ok {
		return models.GroupChat{}, services.ErrNotFound
	}
	if slices.Contains(m.members[room], userID) {
		return models.GroupChat{}, services.ErrInvalidInput
	}
	m.members[room] = append(m.members[room], userID)
	return m.groupLocked(room), nil
}

func (m *memChats) RemoveParticipant(_ context.Context, room, adminID, userID string) (models.GroupChat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if userID == adminID {
		return models.GroupChat{}, services.ErrInvalidInput
	}
	if err := m.adminLocked(room, adminID); err != nil {
		return models.GroupChat{}, err
	}
	if !slices.Contains(m.members[room], userID) {
		return models.GroupChat{}, services.ErrNotParticipant
	}
	m.members[room] = lo.Without(m.members[room], userID)
	return m.groupLocked(room), nil
}

func (m *memChats) LeaveGroup(_ context.Context, room, userID string) (models.GroupChat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[room]
	if !ok {
		return models.GroupChat{}, services.ErrNotFound
	}
	if !slices.Contains(m.members[room], userID) {
		return models.GroupChat{}, services.ErrNotParticipant
	}
	m.members[room] = lo.Without(m.members[room], userID)
	g.admins = lo.Without(g.admins, userID)
	if len(m.members[room]) == 0 {
		delete(m.members, room)
		delete(m.groups, room)
		return models.GroupChat{ID: room}, nil
	}
	if len(g.admins) == 0 {
		g.admins = []string{slices.Min(m.members[room])}
	}
	return m.groupLocked(room), nil
}

func (m *memChats) MarkRead(_ context.Context, room, userID string) error {
	ok, _ := m.IsParticipant(context.Background(), room, userID)
	if !ok {
		return services.ErrNotParticipant
	}
	return nil
}

// memAccounts knows one password for every user.
type memAccounts struct {
	tokens *services.TokenService
	users  map[string]models.User
}

func (a *memAccounts) Register(_ context.Context, req models.RegisterRequest) (models.User, error) {
	if _, ok := a.users[req.Username]; ok {
		return models.User{}, services.ErrUserExists
	}
	u := models.User{ID: uuid.NewString(), Username: req.Username}
	a.users[req.Username] = u
	return u, nil
}

func (a *memAccounts) Login(_ context.Context, req models.LoginRequest) (models.AuthResponse, error) {
	u, ok := a.users[req.Username]
	if !ok || req.Password != "password123" {
		return models.AuthResponse{}, services.ErrInvalidCredentials
	}
	pair, err := a.tokens.Issue(u.Ref())
	return models.AuthResponse{TokenPair: pair, User: u}, err
}

func (a *memAccounts) Refresh(_ context.Context, refreshToken string) (models.TokenPair, error) {
	claims, err := a.tokens.ValidateRefresh(refreshToken)
	if err != nil {
		return models.TokenPair{}, err
	}
	return a.tokens.Issue(models.UserRef{ID: claims.UserID(), Username: claims.Username})
}

func (a *memAccounts) GetUser(_ context.Context, id string) (models.User, error) {
	for _, u := range a.users {
		if u.ID == id {
			return u, nil
		}
	}
	return models.User{}, services.ErrNotFound
}

type fixture struct {
	app     *fiber.App
	chats   *memChats
	tokens  *services.TokenService
	hub     *handlers.Hub
	metrics *metrics.Metrics
	cfg     Config
}

func newFixture(t *testing.T, opts ...func(*Config)) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tokens := services.NewTokenService(testSecret, time.Hour, 24*time.Hour)
	accounts := &memAccounts{tokens: tokens, users: map[string]models.User{
		alice.Username: {ID: alice.ID, Username: alice.Username},
		bob.Username:   {ID: bob.ID, Username: bob.Username},
		carol.Username: {ID: carol.ID, Username: carol.Username},
		dave.Username:  {ID: dave.ID, Username: dave.Username},
	}}
	cfg := Config{
		UploadDir:      t.TempDir(),
		BaseURL:        "http://files.test",
		MaxUploadBytes: 1 << 20,
		MaxUploadFiles: 4,
		EventRPS:       100,
		EventBurst:     100,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	f := &fixture{
		chats:   newMemChats(),
		tokens:  tokens,
		hub:     handlers.NewHub(log),
		metrics: metrics.New(),
		cfg:     cfg,
	}
	f.app = New(cfg, Deps{
		Log:      log,
		Accounts: accounts,
		Chats:    f.chats,
		Tokens:   tokens,
		Metrics:  f.metrics,
		Hub:      f.hub,
	})
	return f
}

func (f *fixture) token(t *testing.T, u models.UserRef) string {
	t.Helper()
	pair, err := f.tokens.Issue(u)
	if err != nil {
		t.Fatal(err)
	}
	return pair.AccessToken
}
