package app

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"militext/internal/models"
	"militext/internal/services"

	"github.com/stretchr/testify/require"
)

const roomID = "7a0e2b8c-0000-4000-8000-000000000001"

type recorder struct {
	mu   sync.Mutex
	msgs []models.WSMessage
}

func (r *recorder) SendJSON(payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg, ok := payload.(models.WSMessage); ok {
		r.msgs = append(r.msgs, msg)
	}
	return nil
}

func (r *recorder) events() []models.WSMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.WSMessage(nil), r.msgs...)
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	r := httptest.NewRequest(method, path, reader)
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.app.Test(r, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func decodeError(t *testing.T, body []byte) models.ErrorResponse {
	t.Helper()
	var e models.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	return e
}

func TestHealth(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	status, body := f.do(t, http.MethodGet, "/health", "", nil)

	req.Equal(http.StatusOK, status)
	req.JSONEq(`{"status":"ok"}`, string(body))
}

func TestAuth_MissingTokenIsCoded(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	status, body := f.do(t, http.MethodGet, "/api/v1/chats", "", nil)

	req.Equal(http.StatusUnauthorized, status)
	req.Equal(models.CodeMissingToken, decodeError(t, body).Code)
}

func TestAuth_ExpiredTokenIsCodedTokenExpired(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	// Given a token that expired a minute ago
	stale := services.NewTokenService(testSecret, -time.Minute, time.Hour)
	pair, err := stale.Issue(alice)
	req.NoError(err)

	// When it is used on a protected route
	status, body := f.do(t, http.MethodGet, "/api/v1/chats", pair.AccessToken, nil)

	// Then the rejection says the token expired, not that it is invalid
	req.Equal(http.StatusUnauthorized, status)
	req.Equal(models.CodeTokenExpired, decodeError(t, body).Code)
}

func TestAuth_RefreshTokenIsNotAnAccessToken(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	pair, err := f.tokens.Issue(alice)
	req.NoError(err)

	status, body := f.do(t, http.MethodGet, "/api/v1/chats", pair.RefreshToken, nil)

	req.Equal(http.StatusUnauthorized, status)
	req.Equal(models.CodeInvalidToken, decodeError(t, body).Code)
}

func TestLoginThenRefresh(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/v1/users/login", "", models.LoginRequest{Username: "alice", Password: "password123"})
	req.Equal(http.StatusOK, status)
	var login models.AuthResponse
	req.NoError(json.Unmarshal(body, &login))
	req.Equal(alice.ID, login.User.ID)
	req.NotEmpty(login.AccessToken)

	status, body = f.do(t, http.MethodPost, "/api/v1/users/refresh-token", "", models.RefreshRequest{RefreshToken: login.RefreshToken})
	req.Equal(http.StatusOK, status)
	var pair models.TokenPair
	req.NoError(json.Unmarshal(body, &pair))
	req.NotEmpty(pair.AccessToken)
	req.NotEmpty(pair.RefreshToken)

	status, body = f.do(t, http.MethodGet, "/api/v1/users/current-user", pair.AccessToken, nil)
	req.Equal(http.StatusOK, status)
	req.Contains(string(body), `"username":"alice"`)
}

func TestLogin_WrongPassword(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	status, _ := f.do(t, http.MethodPost, "/api/v1/users/login", "", models.LoginRequest{Username: "alice", Password: "nope"})

	req.Equal(http.StatusUnauthorized, status)
}

func TestRefresh_RejectsGarbage(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/v1/users/refresh-token", "", models.RefreshRequest{RefreshToken: "garbage"})

	req.Equal(http.StatusUnauthorized, status)
	req.Equal(models.CodeInvalidToken, decodeError(t, body).Code)
}

func TestRegister_ValidatesBody(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/v1/users/register", "", models.RegisterRequest{Username: "al", Password: "short"})

	req.Equal(http.StatusBadRequest, status)
	req.Equal(models.CodeBadRequest, decodeError(t, body).Code)
}

func TestGetMessages_PassesCursorAndClampsLimit(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.chats.addRoom(roomID, alice, bob)

	status, _ := f.do(t, http.MethodGet, "/api/v1/messages/"+roomID+"?before=m9&limit=500", f.token(t, alice), nil)

	req.Equal(http.StatusOK, status)
	req.Equal([]beforeCall{{room: roomID, before: "m9", limit: 100}}, f.chats.beforeCalls())
}

func TestGetMessages_PageIsOldestFirstWithHasMore(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.chats.addRoom(roomID, alice, bob)
	for _, id := range []string{"m1", "m2", "m3"} {
		f.chats.add(models.Message{ID: id, Room: roomID, Sender: bob})
	}

	status, body := f.do(t, http.MethodGet, "/api/v1/messages/"+roomID+"?limit=2", f.token(t, alice), nil)

	req.Equal(http.StatusOK, status)
	var page models.MessagesPage
	req.NoError(json.Unmarshal(body, &page))
	req.True(page.HasMore)
	req.Equal("m2", page.Messages[0].ID)
	req.Equal("m3", page.Messages[1].ID)
}

func TestGetMessages_NonParticipantIsForbidden(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.chats.addRoom(roomID, alice, bob)

	status, body := f.do(t, http.MethodGet, "/api/v1/messages/"+roomID, f.token(t, carol), nil)

	req.Equal(http.StatusForbidden, status)
	req.Equal(models.CodeNotParticipant, decodeError(t, body).Code)
	req.Empty(f.chats.beforeCalls())
}

func TestEditMessage_BroadcastsToRoom(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.chats.addRoom(roomID, alice, bob)
	f.chats.add(models.Message{ID: "m1", Room: roomID, Sender: alice, Content: "helo"})

	// Given bob has the room open
	watcher := &recorder{}
	f.hub.Register("conn-bob", bob.ID, bob.Username, watcher)
	f.hub.Join(roomID, "conn-bob")

	// When alice edits her message
	status, body := f.do(t, http.MethodPatch, "/api/v1/messages/"+roomID+"/m1", f.token(t, alice),
		models.EditMessageRequest{Content: "hello"})

	// Then the edited message is returned and bob is told
	req.Equal(http.StatusOK, status)
	var msg models.Message
	req.NoError(json.Unmarshal(body, &msg))
	req.Equal("hello", msg.Content)
	req.True(msg.Edited())

	got := watcher.events()
	req.Len(got, 1)
	req.Equal(models.EventMessageEdited, got[0].Event)
	req.Equal("hello", got[0].Message.Content)
}

func TestEditMessage_OthersMessageIsForbidden(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.chats.addRoom(roomID, alice, bob)
	f.chats.add(models.Message{ID: "m1", Room: roomID, Sender: bob, Content: "mine"})

	status, body := f.do(t, http.MethodPatch, "/api/v1/messages/"+roomID+"/m1", f.token(t, alice),
		models.EditMessageRequest{Content: "yours now"})

	req.Equal(http.StatusForbidden, status)
	req.Equal(models.CodeForbidden, decodeError(t, body).Code)
}

func TestDeleteMessages_OnlyOwnAreDeletedAndBroadcast(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.chats.addRoom(roomID, alice, bob)
	f.chats.add(models.Message{ID: "m1", Room: roomID, Sender: alice})
	f.chats.add(models.Message{ID: "m2", Room: roomID, Sender: bob})
	watcher := &recorder{}
	f.hub.Register("conn-bob", bob.ID, bob.Username, watcher)
	f.hub.Join(roomID, "conn-bob")

	status, body := f.do(t, http.MethodDelete, "/api/v1/messages/"+roomID, f.token(t, alice),
		models.DeleteMessagesRequest{MessageIDs: []string{"m1", "m2"}})

	req.Equal(http.StatusOK, status)
	req.JSONEq(`{"deleted":1}`, string(body))
	got := watcher.events()
	req.Len(got, 1)
	req.Equal(models.EventMessageDeleted, got[0].Event)
	req.Equal([]string{"m1"}, got[0].MessageIDs)
}

func TestDirectChat_CreatesOnceThenReuses(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	token := f.token(t, alice)

	status, body := f.do(t, http.MethodPost, "/api/v1/chats/c/"+bob.ID, token, nil)
	req.Equal(http.StatusCreated, status)
	var first models.RoomResponse
	req.NoError(json.Unmarshal(body, &first))
	req.True(first.IsNew)

	status, body = f.do(t, http.MethodPost, "/api/v1/chats/c/"+bob.ID, token, nil)
	req.Equal(http.StatusOK, status)
	var second models.RoomResponse
	req.NoError(json.Unmarshal(body, &second))
	req.False(second.IsNew)
	req.Equal(first.RoomID, second.RoomID)

	status, body = f.do(t, http.MethodGet, "/api/v1/chats", token, nil)
	req.Equal(http.StatusOK, status)
	req.Contains(string(body), first.RoomID)
}

func TestMarkRead(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.chats.addRoom(roomID, alice, bob)

	status, _ := f.do(t, http.MethodPost, "/api/v1/chats/"+roomID+"/read", f.token(t, alice), nil)
	req.Equal(http.StatusNoContent, status)

	status, _ = f.do(t, http.MethodPost, "/api/v1/chats/"+roomID+"/read", f.token(t, carol), nil)
	req.Equal(http.StatusForbidden, status)
}

func TestUpload_StoresFilesInOrder(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00\x1f\x15\xc4\x89")
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, file := range []struct {
		name string
		data []byte
	}{{"pic.bin", png}, {"notes.txt", []byte("plain text notes")}} {
		part, err := w.CreateFormFile("files", file.name)
		req.NoError(err)
		_, err = part.Write(file.data)
		req.NoError(err)
	}
	req.NoError(w.Close())

	r := httptest.NewRequest(http.MethodPost, "/api/v1/attachments", &buf)
	r.Header.Set("Content-Type", w.FormDataContentType())
	r.Header.Set("Authorization", "Bearer "+f.token(t, alice))
	resp, err := f.app.Test(r, -1)
	req.NoError(err)
	defer resp.Body.Close()

	req.Equal(http.StatusCreated, resp.StatusCode)
	var out models.UploadResponse
	req.NoError(json.NewDecoder(resp.Body).Decode(&out))
	req.Len(out.Attachments, 2)
	req.True(strings.HasSuffix(out.Attachments[0].URL, ".png"), out.Attachments[0].URL)
	req.True(strings.HasSuffix(out.Attachments[1].URL, ".txt"), out.Attachments[1].URL)
	req.True(strings.HasPrefix(out.Attachments[0].URL, "http://files.test/uploads/"))

	stored, err := os.ReadFile(filepath.Join(f.cfg.UploadDir, out.Attachments[0].ID+".png"))
	req.NoError(err)
	req.Equal(png, stored)
}

func TestMetricsExposesRejections(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.do(t, http.MethodGet, "/api/v1/chats", "", nil)

	status, body := f.do(t, http.MethodGet, "/metrics", "", nil)

	req.Equal(http.StatusOK, status)
	req.Contains(string(body), `militext_auth_rejections_total{code="missing_token"} 1`)
}
