package models

import (
	"slices"
	"time"
)

// RoomResponse answers the direct chat endpoint.
type RoomResponse struct {
	RoomID string `json:"room_id"`
	IsNew  bool   `json:"is_new"`
}

// ChatSummary is one row of the chat list.
type ChatSummary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	IsGroup      bool      `json:"is_group"`
	Participants []UserRef `json:"participants"`
	LastMessage  *Message  `json:"last_message,omitempty"`
	UnreadCount  int       `json:"unread_count"`
	// Online is set when another participant has a live connection.
	Online    bool      `json:"online"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GroupChat is a named chat of three or more users. Admins may rename it
// and manage its participants.
type GroupChat struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Participants []UserRef `json:"participants"`
	Admins       []string  `json:"admins"`
	CreatedAt    time.Time `json:"created_at"`
}

func (g GroupChat) IsAdmin(userID string) bool {
	return slices.Contains(g.Admins, userID)
}

// Summary is the chat list row of a group nobody wrote in yet.
func (g GroupChat) Summary() ChatSummary {
	return ChatSummary{
		ID:           g.ID,
		Name:         g.Name,
		IsGroup:      true,
		Participants: g.Participants,
		UpdatedAt:    g.CreatedAt,
	}
}

type CreateGroupRequest struct {
	Name         string   `json:"name" validate:"required,max=100"`
	Participants []string `json:"participants" validate:"required,min=2,max=100,dive,required"`
}

type RenameGroupRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}
