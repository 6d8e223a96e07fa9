// Package apperr holds the error taxonomy of the chat client core.
package apperr

import (
	"errors"
	"fmt"

	"militext/internal/models"
)

var (
	// ErrAuthExpired is an access token past its expiry. A refresh fixes it.
	ErrAuthExpired = errors.New("credential expired")
	// ErrUnauthorized is a missing or rejected credential. A refresh does not
	// fix it.
	ErrUnauthorized   = errors.New("not authorized")
	ErrRefreshFailed  = errors.New("credential refresh failed")
	ErrNotConnected   = errors.New("not connected")
	ErrRequestFailed  = errors.New("request failed")
	ErrNoCredentials  = errors.New("no stored credentials")
	ErrNoActiveRoom   = errors.New("no active room")
	ErrJoinTimeout    = errors.New("join not acknowledged")
	ErrNotOwner       = errors.New("message not owned by current user")
	ErrUnknownMessage = errors.New("message not loaded")
	ErrEmptyDraft     = errors.New("draft is empty")
	ErrInvalidDraft   = errors.New("draft is invalid")

	ErrRemovedFromChat         = errors.New("no longer a participant of this chat")
	ErrAttachmentsWhileEditing = errors.New("attachments are not allowed while editing")
)

// FromCode maps a wire error code to the matching sentinel.
func FromCode(code models.ErrorCode, detail string) error {
	switch code {
	case models.CodeTokenExpired:
		return fmt.Errorf("%w: %s", ErrAuthExpired, detail)
	case models.CodeInvalidToken, models.CodeMissingToken:
		return fmt.Errorf("%w: %s: %s", ErrUnauthorized, code, detail)
	default:
		return fmt.Errorf("%w: %s: %s", ErrRequestFailed, code, detail)
	}
}
