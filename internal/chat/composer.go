package chat

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"militext/internal/api"
	"militext/internal/apperr"
	"militext/internal/models"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

const (
	MaxDraftRunes       = 4000
	MaxDraftAttachments = 10
)

type Mode int

const (
	Composing Mode = iota
	Editing
)

func (m Mode) String() string {
	if m == Editing {
		return "editing"
	}
	return "composing"
}

// Submitter is what a composer submits into, usually a *Session.
type Submitter interface {
	Send(ctx context.Context, content string, files []api.File, opts ...SendOption) (models.Message, error)
	Edit(ctx context.Context, messageID, content string) error
}

type draft struct {
	Text  string     `validate:"max=4000"`
	Files []api.File `validate:"max=10"`
}

// Composer holds the one outgoing action of a conversation: a new message
// with optional attachments, or the edit of an existing message.
type Composer struct {
	target Submitter

	mu         sync.Mutex
	mode       Mode
	editingID  string
	replyTo    string
	text       string
	files      []api.File
	submitting bool
}

func NewComposer(target Submitter) *Composer {
	return &Composer{target: target}
}

func (c *Composer) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// EditingID is the message being edited, empty while composing.
func (c *Composer) EditingID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.editingID
}

// ReplyTo is the message the next send answers, empty for none.
func (c *Composer) ReplyTo() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replyTo
}

// SetReplyTo makes the next send a reply to messageID. Editing ends.
func (c *Composer) SetReplyTo(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == Editing {
		c.mode, c.editingID, c.text = Composing, "", ""
	}
	c.replyTo = messageID
}

func (c *Composer) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

func (c *Composer) SetText(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text = text
}

func (c *Composer) Attachments() []api.File {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.files)
}

// Attach adds files to the pending batch. Not allowed while editing.
func (c *Composer) Attach(files ...api.File) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == Editing {
		return apperr.ErrAttachmentsWhileEditing
	}
	if len(c.files)+len(files) > MaxDraftAttachments {
		return fmt.Errorf("%w: at most %d attachments", apperr.ErrInvalidDraft, MaxDraftAttachments)
	}
	c.files = append(c.files, files...)
	return nil
}

func (c *Composer) RemoveAttachment(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= 0 && i < len(c.files) {
		c.files = slices.Delete(c.files, i, i+1)
	}
}

// StartEditing switches to editing msg. The pending attachments are dropped
// and the draft is preloaded with the current content.
func (c *Composer) StartEditing(msg models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = Editing
	c.editingID = msg.ID
	c.replyTo = ""
	c.text = msg.Content
	c.files = nil
}

// Cancel returns to composing with an empty draft.
func (c *Composer) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

func (c *Composer) resetLocked() {
	c.mode = Composing
	c.editingID = ""
	c.replyTo = ""
	c.text = ""
	c.files = nil
}

func (c *Composer) IsSubmittable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submittableLocked()
}

func (c *Composer) submittableLocked() bool {
	hasText := strings.TrimSpace(c.text) != ""
	if c.mode == Editing {
		return hasText
	}
	return hasText || len(c.files) > 0
}

// Submit sends or edits depending on the mode. On success the composer goes
// back to an empty Composing draft; on failure the draft is kept for retry.
// A Submit while another is in flight does nothing.
func (c *Composer) Submit(ctx context.Context) error {
	c.mu.Lock()
	if c.submitting {
		c.mu.Unlock()
		return nil
	}
	if !c.submittableLocked() {
		c.mu.Unlock()
		return apperr.ErrEmptyDraft
	}
	d := draft{Text: strings.TrimSpace(c.text), Files: slices.Clone(c.files)}
	if err := validate.Struct(d); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", apperr.ErrInvalidDraft, err)
	}
	mode, id, replyTo := c.mode, c.editingID, c.replyTo
	c.submitting = true
	c.mu.Unlock()

	var err error
	if mode == Editing {
		err = c.target.Edit(ctx, id, d.Text)
	} else {
		var opts []SendOption
		if replyTo != "" {
			opts = append(opts, InReplyTo(replyTo))
		}
		_, err = c.target.Send(ctx, d.Text, d.Files, opts...)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitting = false
	if err != nil {
		return err
	}
	c.resetLocked()
	return nil
}
