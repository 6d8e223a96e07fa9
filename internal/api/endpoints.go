package api

import (
	"context"
	"net/url"
	"strconv"

	"militext/internal/models"

	"github.com/valyala/fasthttp"
)

func (c *Client) Register(ctx context.Context, in models.RegisterRequest) (models.User, error) {
	r, err := jsonRequest(fasthttp.MethodPost, "/users/register", in)
	if err != nil {
		return models.User{}, err
	}
	r.anonymous = true
	var out models.User
	err = c.do(ctx, r, &out)
	return out, err
}

func (c *Client) Login(ctx context.Context, username, password string) (models.AuthResponse, error) {
	r, err := jsonRequest(fasthttp.MethodPost, "/users/login", models.LoginRequest{Username: username, Password: password})
	if err != nil {
		return models.AuthResponse{}, err
	}
	r.anonymous = true
	var out models.AuthResponse
	err = c.do(ctx, r, &out)
	return out, err
}

// RefreshTokens exchanges refreshToken for a new pair. It never triggers a
// refresh itself.
func (c *Client) RefreshTokens(ctx context.Context, refreshToken string) (models.TokenPair, error) {
	r, err := jsonRequest(fasthttp.MethodPost, "/users/refresh-token", models.RefreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return models.TokenPair{}, err
	}
	r.anonymous = true
	var out models.TokenPair
	err = c.do(ctx, r, &out)
	return out, err
}

func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, request{method: fasthttp.MethodPost, path: "/users/logout"}, nil)
}

func (c *Client) CurrentUser(ctx context.Context) (models.User, error) {
	var out models.User
	err := c.do(ctx, request{method: fasthttp.MethodGet, path: "/users/current-user"}, &out)
	return out, err
}

func (c *Client) Chats(ctx context.Context) ([]models.ChatSummary, error) {
	var out []models.ChatSummary
	err := c.do(ctx, request{method: fasthttp.MethodGet, path: "/chats"}, &out)
	return out, err
}

func (c *Client) DirectChat(ctx context.Context, receiverID string) (models.RoomResponse, error) {
	var out models.RoomResponse
	err := c.do(ctx, request{method: fasthttp.MethodPost, path: "/chats/c/" + url.PathEscape(receiverID)}, &out)
	return out, err
}

func (c *Client) MarkRead(ctx context.Context, room string) error {
	return c.do(ctx, request{method: fasthttp.MethodPost, path: "/chats/" + url.PathEscape(room) + "/read"}, nil)
}

// FetchBefore returns up to limit messages older than the message with id
// before, oldest first. An empty before fetches the latest page.
func (c *Client) FetchBefore(ctx context.Context, room, before string, limit int) (models.MessagesPage, error) {
	query := url.Values{}
	query.Set("before", before)
	query.Set("limit", strconv.Itoa(limit))

	var out models.MessagesPage
	err := c.do(ctx, request{
		method: fasthttp.MethodGet,
		path:   "/messages/" + url.PathEscape(room),
		query:  query,
	}, &out)
	return out, err
}

func (c *Client) EditMessage(ctx context.Context, room, messageID, content string) (models.Message, error) {
	r, err := jsonRequest(fasthttp.MethodPatch,
		"/messages/"+url.PathEscape(room)+"/"+url.PathEscape(messageID),
		models.EditMessageRequest{Content: content})
	if err != nil {
		return models.Message{}, err
	}
	var out models.Message
	err = c.do(ctx, r, &out)
	return out, err
}

func (c *Client) DeleteMessages(ctx context.Context, room string, messageIDs []string) (int, error) {
	r, err := jsonRequest(fasthttp.MethodDelete, "/messages/"+url.PathEscape(room),
		models.DeleteMessagesRequest{MessageIDs: messageIDs})
	if err != nil {
		return 0, err
	}
	var out models.DeleteMessagesResponse
	err = c.do(ctx, r, &out)
	return out.Deleted, err
}

func groupPath(room string) string {
	return "/chats/group/" + url.PathEscape(room)
}

// CreateGroup makes a group chat with the caller as admin. participantIDs
// must name at least two other users.
func (c *Client) CreateGroup(ctx context.Context, name string, participantIDs []string) (models.GroupChat, error) {
	r, err := jsonRequest(fasthttp.MethodPost, "/chats/group",
		models.CreateGroupRequest{Name: name, Participants: participantIDs})
	if err != nil {
		return models.GroupChat{}, err
	}
	var out models.GroupChat
	err = c.do(ctx, r, &out)
	return out, err
}

func (c *Client) Group(ctx context.Context, room string) (models.GroupChat, error) {
	var out models.GroupChat
	err := c.do(ctx, request{method: fasthttp.MethodGet, path: groupPath(room)}, &out)
	return out, err
}

func (c *Client) RenameGroup(ctx context.Context, room, name string) (models.GroupChat, error) {
	r, err := jsonRequest(fasthttp.MethodPatch, groupPath(room), models.RenameGroupRequest{Name: name})
	if err != nil {
		return models.GroupChat{}, err
	}
	var out models.GroupChat
	err = c.do(ctx, r, &out)
	return out, err
}

func (c *Client) AddParticipant(ctx context.Context, room, userID string) (models.GroupChat, error) {
	var out models.GroupChat
	err := c.do(ctx, request{method: fasthttp.MethodPost, path: groupPath(room) + "/" + url.PathEscape(userID)}, &out)
	return out, err
}

func (c *Client) RemoveParticipant(ctx context.Context, room, userID string) (models.GroupChat, error) {
	var out models.GroupChat
	err := c.do(ctx, request{method: fasthttp.MethodDelete, path: groupPath(room) + "/" + url.PathEscape(userID)}, &out)
	return out, err
}

func (c *Client) LeaveGroup(ctx context.Context, room string) error {
	return c.do(ctx, request{method: fasthttp.MethodDelete, path: "/leave/group/" + url.PathEscape(room)}, nil)
}
