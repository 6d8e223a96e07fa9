package handlers

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"militext/internal/models"
	"militext/internal/utils"
)

const (
	eventTimeout       = 5 * time.Second
	maxContentRunes    = 4000
	maxAttachmentCount = 10
)

func (rt *Realtime) handle(log *slog.Logger, sess *wsSession, msg models.WSMessage) {
	rt.metrics.Events.WithLabelValues(eventLabel(msg.Event)).Inc()

	switch msg.Event {
	case models.EventJoinChat:
		rt.handleJoin(log, sess, msg)
	case models.EventLeaveChat:
		rt.handleLeave(sess, msg)
	case models.EventTyping, models.EventStopTyping:
		rt.handleTyping(sess, msg)
	case models.EventNewMessage:
		rt.handleNewMessage(log, sess, msg)
	default:
		log.Debug("Unknown event", "event", msg.Event)
		_ = sess.send(socketError(msg.Room, models.CodeBadRequest, "unknown event"))
	}
}

// eventLabel bounds the label set to the known client events.
func eventLabel(event string) string {
	switch event {
	case models.EventJoinChat, models.EventLeaveChat, models.EventTyping, models.EventStopTyping, models.EventNewMessage:
		return event
	default:
		return "other"
	}
}

func (rt *Realtime) handleJoin(log *slog.Logger, sess *wsSession, msg models.WSMessage) {
	if msg.Room == "" {
		_ = sess.send(socketError("", models.CodeBadRequest, "room is required"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	ok, err := rt.chats.IsParticipant(ctx, msg.Room, sess.user.ID)
	if err != nil {
		utils.LogError(log, err, "IsParticipant failed", "room", msg.Room)
		_ = sess.send(socketError(msg.Room, models.CodeInternal, "internal error"))
		return
	}
	if !ok {
		_ = sess.send(socketError(msg.Room, models.CodeNotParticipant, "not a participant of this chat"))
		return
	}

	// Leave previous room if any
	if previous := rt.hub.Join(msg.Room, sess.connID); previous != "" {
		rt.hub.Broadcast(previous, typingEvent(models.EventStopTyping, previous, sess.user), sess.connID)
	}
	rt.updateGauges()

	// Send confirmation to the sender
	_ = sess.send(models.WSMessage{Event: models.EventJoined, Room: msg.Room, UserID: sess.user.ID, Username: sess.user.Username})
}

func (rt *Realtime) handleLeave(sess *wsSession, msg models.WSMessage) {
	room := msg.Room
	if room == "" {
		room = rt.hub.CurrentRoom(sess.connID)
	}
	if room != "" && rt.hub.Leave(room, sess.connID) {
		rt.hub.Broadcast(room, typingEvent(models.EventStopTyping, room, sess.user), sess.connID)
		rt.updateGauges()
	}
}

// handleTyping relays typing state to the others in the room. Events for a
// room the socket has not joined are dropped.
func (rt *Realtime) handleTyping(sess *wsSession, msg models.WSMessage) {
	room := rt.hub.CurrentRoom(sess.connID)
	if room == "" || (msg.Room != "" && msg.Room != room) {
		return
	}
	rt.hub.Broadcast(room, typingEvent(msg.Event, room, sess.user), sess.connID)
}

func typingEvent(event, room string, user models.UserRef) models.WSMessage {
	return models.WSMessage{
		Event:     event,
		Room:      room,
		UserID:    user.ID,
		Username:  user.Username,
		Timestamp: time.Now().UnixMilli(),
	}
}

func (rt *Realtime) handleNewMessage(log *slog.Logger, sess *wsSession, msg models.WSMessage) {
	// Rejections carry the message id so the sender can drop its copy.
	reject := func(code models.ErrorCode, text string) {
		e := socketError(msg.Room, code, text)
		e.ID = msg.ID
		_ = sess.send(e)
	}
	if msg.Room == "" {
		reject(models.CodeBadRequest, "room is required")
		return
	}
	content := strings.TrimSpace(msg.Content)
	switch {
	case content == "" && len(msg.Attachments) == 0:
		reject(models.CodeBadRequest, "message must have content or attachments")
		return
	case utf8.RuneCountInString(content) > maxContentRunes, len(msg.Attachments) > maxAttachmentCount:
		reject(models.CodeBadRequest, "message too large")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	joined := rt.hub.CurrentRoom(sess.connID) == msg.Room
	if !joined {
		ok, err := rt.chats.IsParticipant(ctx, msg.Room, sess.user.ID)
		if err != nil {
			utils.LogError(log, err, "IsParticipant failed", "room", msg.Room)
			reject(models.CodeInternal, "internal error")
			return
		}
		if !ok {
			reject(models.CodeNotParticipant, "not a participant of this chat")
			return
		}
	}

	saved, err := rt.chats.SaveMessage(ctx, models.Message{
		ID:          msg.ID,
		Room:        msg.Room,
		Sender:      sess.user,
		Content:     content,
		Attachments: msg.Attachments,
		ReplyToID:   msg.ReplyToID,
	})
	if err != nil {
		utils.LogError(log, err, "SaveMessage failed", "room", msg.Room, "id", msg.ID)
		_, code := statusFor(err)
		reject(code, "message not saved")
		return
	}
	rt.metrics.MessagesStored.Inc()

	out := models.WSMessage{Event: models.EventNewMessage, Room: msg.Room, Message: &saved, Timestamp: saved.CreatedAt.UnixMilli()}
	// Send to everyone including sender so they know it's confirmed
	rt.hub.Broadcast(msg.Room, out, "")
	if !joined {
		_ = sess.send(out)
	}

	go rt.notifyNewMessage(log, saved)
}

// notifyNewMessage tells participants without the room open that it has a
// new message.
func (rt *Realtime) notifyNewMessage(log *slog.Logger, msg models.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	participants, err := rt.chats.Participants(ctx, msg.Room)
	if err != nil {
		utils.LogError(log, err, "Participants failed", "room", msg.Room)
		return
	}

	notification := models.WSMessage{
		Event:     models.EventMessageReceived,
		Room:      msg.Room,
		Message:   &msg,
		Timestamp: msg.CreatedAt.UnixMilli(),
	}
	for _, participantID := range participants {
		if participantID == msg.Sender.ID {
			continue
		}
		rt.hub.SendOutsideRoom(participantID, msg.Room, notification)
	}
}

// announcePresence tells the user's contacts that they came online or went
// offline.
func (rt *Realtime) announcePresence(log *slog.Logger, user models.UserRef, event string) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	contacts, err := rt.chats.Contacts(ctx, user.ID)
	if err != nil {
		utils.LogError(log, err, "Contacts failed", "event", event)
		return
	}
	ev := models.WSMessage{Event: event, UserID: user.ID, Username: user.Username, Timestamp: time.Now().UnixMilli()}
	for _, id := range contacts {
		rt.hub.SendToUser(id, ev)
	}
}
