package handlers

import (
	"net/http"

	"militext/internal/models"
	"militext/internal/services"

	"github.com/gofiber/fiber/v2"
	"github.com/samber/lo"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// ChatsHandler lists the caller's chats, flagging those with another
// participant online.
func ChatsHandler(chats Chats, hub *Hub) fiber.Handler {
	return func(c *fiber.Ctx) error {
		me := currentUser(c).ID
		list, err := chats.ChatSummaries(c.UserContext(), me)
		if err != nil {
			return fail(c, err)
		}
		if list == nil {
			list = []models.ChatSummary{}
		}
		for i := range list {
			list[i].Online = lo.ContainsBy(list[i].Participants, func(p models.UserRef) bool {
				return p.ID != me && hub.IsUserOnline(p.ID)
			})
		}
		return c.JSON(list)
	}
}

func DirectChatHandler(chats Chats) fiber.Handler {
	return func(c *fiber.Ctx) error {
		receiverID := c.Params("receiverId")
		if receiverID == "" {
			return writeError(c, http.StatusBadRequest, models.CodeBadRequest, "receiver id required")
		}
		res, err := chats.GetOrCreateDirectRoom(c.UserContext(), currentUser(c).ID, receiverID)
		if err != nil {
			return fail(c, err)
		}
		if res.IsNew {
			return c.Status(http.StatusCreated).JSON(res)
		}
		return c.JSON(res)
	}
}

func MarkReadHandler(chats Chats) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := chats.MarkRead(c.UserContext(), c.Params("chatId"), currentUser(c).ID); err != nil {
			return fail(c, err)
		}
		return c.SendStatus(http.StatusNoContent)
	}
}

// requireParticipant runs before every per-chat route.
func requireParticipant(chats Chats) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ok, err := chats.IsParticipant(c.UserContext(), c.Params("chatId"), currentUser(c).ID)
		if err != nil {
			return fail(c, err)
		}
		if !ok {
			return fail(c, services.ErrNotParticipant)
		}
		return c.Next()
	}
}

// GetMessagesHandler returns a page of history oldest first.
func GetMessagesHandler(chats Chats) fiber.Handler {
	return func(c *fiber.Ctx) error {
		limit := c.QueryInt("limit", defaultPageLimit)
		if limit <= 0 {
			limit = defaultPageLimit
		}
		limit = min(limit, maxPageLimit)

		page, err := chats.MessagesBefore(c.UserContext(), c.Params("chatId"), c.Query("before"), limit)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(page)
	}
}

// EditMessageHandler updates one of the caller's messages and tells the
// room.
func EditMessageHandler(chats Chats, hub *Hub) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.EditMessageRequest
		if err := parseBody(c, &req); err != nil {
			return badRequest(c, err)
		}
		room := c.Params("chatId")
		msg, err := chats.EditMessage(c.UserContext(), room, c.Params("messageId"), currentUser(c).ID, req.Content)
		if err != nil {
			return fail(c, err)
		}

		hub.Broadcast(room, models.WSMessage{
			Event:     models.EventMessageEdited,
			Room:      room,
			Message:   &msg,
			Timestamp: msg.UpdatedAt.UnixMilli(),
		}, "")
		return c.JSON(msg)
	}
}

// DeleteMessagesHandler deletes the caller's messages among the given ids.
func DeleteMessagesHandler(chats Chats, hub *Hub) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.DeleteMessagesRequest
		if err := parseBody(c, &req); err != nil {
			return badRequest(c, err)
		}
		room := c.Params("chatId")
		deleted, err := chats.DeleteMessages(c.UserContext(), room, currentUser(c).ID, req.MessageIDs)
		if err != nil {
			return fail(c, err)
		}

		if len(deleted) > 0 {
			hub.Broadcast(room, models.WSMessage{
				Event:      models.EventMessageDeleted,
				Room:       room,
				MessageIDs: deleted,
			}, "")
		}
		return c.JSON(models.DeleteMessagesResponse{Deleted: len(deleted)})
	}
}

// MountChats registers the chat and message routes on r.
func MountChats(r fiber.Router, chats Chats, hub *Hub) {
	member := requireParticipant(chats)

	r.Get("/chats", ChatsHandler(chats, hub))
	r.Post("/chats/c/:receiverId", DirectChatHandler(chats))
	r.Post("/chats/group", CreateGroupHandler(chats, hub))
	r.Get("/chats/group/:chatId", member, GroupInfoHandler(chats))
	r.Patch("/chats/group/:chatId", RenameGroupHandler(chats, hub))
	r.Post("/chats/group/:chatId/:userId", AddParticipantHandler(chats, hub))
	r.Delete("/chats/group/:chatId/:userId", RemoveParticipantHandler(chats, hub))
	r.Delete("/leave/group/:chatId", LeaveGroupHandler(chats, hub))
	r.Post("/chats/:chatId/read", MarkReadHandler(chats))

	r.Get("/messages/:chatId", member, GetMessagesHandler(chats))
	r.Patch("/messages/:chatId/:messageId", member, EditMessageHandler(chats, hub))
	r.Delete("/messages/:chatId", member, DeleteMessagesHandler(chats, hub))
}
