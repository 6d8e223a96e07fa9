package handlers

import (
	"context"
	"errors"
	"net/http"

	"militext/internal/models"
	"militext/internal/services"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

const (
	localUserID   = "user_id"
	localUsername = "username"
	localExpiry   = "token_expiry"
)

var validate = validator.New()

// Accounts is the part of services.UserService the handlers use.
type Accounts interface {
	Register(ctx context.Context, req models.RegisterRequest) (models.User, error)
	Login(ctx context.Context, req models.LoginRequest) (models.AuthResponse, error)
	Refresh(ctx context.Context, refreshToken string) (models.TokenPair, error)
	GetUser(ctx context.Context, id string) (models.User, error)
}

// Chats is the part of services.ChatService the handlers use.
type Chats interface {
	GetOrCreateDirectRoom(ctx context.Context, userID1, userID2 string) (models.RoomResponse, error)
	IsParticipant(ctx context.Context, room, userID string) (bool, error)
	Participants(ctx context.Context, room string) ([]string, error)
	SaveMessage(ctx context.Context, msg models.Message) (models.Message, error)
	MessagesBefore(ctx context.Context, room, before string, limit int) (models.MessagesPage, error)
	EditMessage(ctx context.Context, room, messageID, userID, content string) (models.Message, error)
	DeleteMessages(ctx context.Context, room, userID string, ids []string) ([]string, error)
	ChatSummaries(ctx context.Context, userID string) ([]models.ChatSummary, error)
	MarkRead(ctx context.Context, room, userID string) error
	Contacts(ctx context.Context, userID string) ([]string, error)

	CreateGroup(ctx context.Context, ownerID, name string, memberIDs []string) (models.GroupChat, error)
	GroupInfo(ctx context.Context, room string) (models.GroupChat, error)
	RenameGroup(ctx context.Context, room, userID, name string) (models.GroupChat, error)
	AddParticipant(ctx context.Context, room, adminID, userID string) (models.GroupChat, error)
	RemoveParticipant(ctx context.Context, room, adminID, userID string) (models.GroupChat, error)
	LeaveGroup(ctx context.Context, room, userID string) (models.GroupChat, error)
}

// Tokens validates access tokens.
type Tokens interface {
	ValidateAccess(token string) (services.Claims, error)
}

var (
	_ Accounts = (*services.UserService)(nil)
	_ Chats    = (*services.ChatService)(nil)
	_ Tokens   = (*services.TokenService)(nil)
)

func currentUser(c *fiber.Ctx) models.UserRef {
	id, _ := c.Locals(localUserID).(string)
	name, _ := c.Locals(localUsername).(string)
	return models.UserRef{ID: id, Username: name}
}

func writeError(c *fiber.Ctx, status int, code models.ErrorCode, msg string) error {
	return c.Status(status).JSON(models.ErrorResponse{Code: code, Error: msg})
}

// statusFor maps a service error to its HTTP status and wire code.
func statusFor(err error) (int, models.ErrorCode) {
	switch {
	case errors.Is(err, services.ErrTokenExpired):
		return http.StatusUnauthorized, models.CodeTokenExpired
	case errors.Is(err, services.ErrInvalidToken), errors.Is(err, services.ErrInvalidCredentials):
		return http.StatusUnauthorized, models.CodeInvalidToken
	case errors.Is(err, services.ErrNotParticipant):
		return http.StatusForbidden, models.CodeNotParticipant
	case errors.Is(err, services.ErrForbidden):
		return http.StatusForbidden, models.CodeForbidden
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound, models.CodeNotFound
	case errors.Is(err, services.ErrUserExists):
		return http.StatusConflict, models.CodeBadRequest
	case errors.Is(err, services.ErrInvalidInput):
		return http.StatusBadRequest, models.CodeBadRequest
	default:
		return http.StatusInternalServerError, models.CodeInternal
	}
}

func fail(c *fiber.Ctx, err error) error {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	return writeError(c, status, code, msg)
}

// parseBody decodes and validates a JSON body into v.
func parseBody(c *fiber.Ctx, v any) error {
	if err := c.BodyParser(v); err != nil {
		return errors.New("invalid request")
	}
	return validate.Struct(v)
}

func badRequest(c *fiber.Ctx, err error) error {
	return writeError(c, http.StatusBadRequest, models.CodeBadRequest, err.Error())
}
