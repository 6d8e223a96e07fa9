package models

import "time"

// Attachment is an uploaded file referenced by a message.
type Attachment struct {
	URL string `json:"url"`
	ID  string `json:"id"`
}

type Message struct {
	ID          string       `json:"id"`
	Room        string       `json:"room"`
	Sender      UserRef      `json:"sender"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments"`
	ReplyToID   string       `json:"reply_to_id,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`

	// Pending marks a locally sent message the server has not echoed yet.
	Pending bool `json:"-"`
}

// Edited reports whether the message content changed after creation.
func (m Message) Edited() bool {
	return !m.UpdatedAt.Equal(m.CreatedAt)
}

// MessagesPage is one page of history, oldest message first.
type MessagesPage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

type EditMessageRequest struct {
	Content string `json:"content" validate:"required,max=4000"`
}

type DeleteMessagesRequest struct {
	MessageIDs []string `json:"message_ids" validate:"required,min=1,max=100,dive,required"`
}

type DeleteMessagesResponse struct {
	Deleted int `json:"deleted"`
}

type UploadResponse struct {
	Attachments []Attachment `json:"attachments"`
}
