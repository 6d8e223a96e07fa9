package handlers

import (
	"net/http"

	"militext/internal/models"

	"github.com/gofiber/fiber/v2"
)

// Group changes reach users through SendToUser since most of them do not
// have the chat open.

func newChatEvent(g models.GroupChat) models.WSMessage {
	summary := g.Summary()
	return models.WSMessage{Event: models.EventNewChat, Room: g.ID, Name: g.Name, Chat: &summary}
}

func removedEvent(room string) models.WSMessage {
	return models.WSMessage{Event: models.EventLeaveChat, Room: room}
}

func CreateGroupHandler(chats Chats, hub *Hub) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.CreateGroupRequest
		if err := parseBody(c, &req); err != nil {
			return badRequest(c, err)
		}
		group, err := chats.CreateGroup(c.UserContext(), currentUser(c).ID, req.Name, req.Participants)
		if err != nil {
			return fail(c, err)
		}
		ev := newChatEvent(group)
		for _, p := range group.Participants {
			hub.SendToUser(p.ID, ev)
		}
		return c.Status(http.StatusCreated).JSON(group)
	}
}

func GroupInfoHandler(chats Chats) fiber.Handler {
	return func(c *fiber.Ctx) error {
		group, err := chats.GroupInfo(c.UserContext(), c.Params("chatId"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(group)
	}
}

func RenameGroupHandler(chats Chats, hub *Hub) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.RenameGroupRequest
		if err := parseBody(c, &req); err != nil {
			return badRequest(c, err)
		}
		group, err := chats.RenameGroup(c.UserContext(), c.Params("chatId"), currentUser(c).ID, req.Name)
		if err != nil {
			return fail(c, err)
		}
		ev := models.WSMessage{Event: models.EventUpdateGroupName, Room: group.ID, Name: group.Name}
		for _, p := range group.Participants {
			hub.SendToUser(p.ID, ev)
		}
		return c.JSON(group)
	}
}

func AddParticipantHandler(chats Chats, hub *Hub) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Params("userId")
		group, err := chats.AddParticipant(c.UserContext(), c.Params("chatId"), currentUser(c).ID, userID)
		if err != nil {
			return fail(c, err)
		}
		hub.SendToUser(userID, newChatEvent(group))
		return c.JSON(group)
	}
}

// RemoveParticipantHandler drops a participant, closes the chat on their
// sockets and tells them.
func RemoveParticipantHandler(chats Chats, hub *Hub) fiber.Handler {
	return func(c *fiber.Ctx) error {
		room, userID := c.Params("chatId"), c.Params("userId")
		group, err := chats.RemoveParticipant(c.UserContext(), room, currentUser(c).ID, userID)
		if err != nil {
			return fail(c, err)
		}
		hub.Evict(room, userID)
		hub.SendToUser(userID, removedEvent(room))
		return c.JSON(group)
	}
}

func LeaveGroupHandler(chats Chats, hub *Hub) fiber.Handler {
	return func(c *fiber.Ctx) error {
		room, me := c.Params("chatId"), currentUser(c).ID
		if _, err := chats.LeaveGroup(c.UserContext(), room, me); err != nil {
			return fail(c, err)
		}
		hub.Evict(room, me)
		hub.SendToUser(me, removedEvent(room))
		return c.SendStatus(http.StatusNoContent)
	}
}
