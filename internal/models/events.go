package models

// Real-time event names shared by the client core and the server.
const (
	EventConnected       = "connected"
	EventConnectError    = "connectError"
	EventJoinChat        = "joinChat"
	EventJoined          = "joined"
	EventLeaveChat       = "leaveChat"
	EventTyping          = "typing"
	EventStopTyping      = "stopTyping"
	EventNewMessage      = "newMessage"
	EventMessageEdited   = "messageEdited"
	EventMessageDeleted  = "messageDeleted"
	EventMessageReceived = "messageReceived"
	EventSocketError     = "socketError"
	EventNewChat         = "newChat"
	EventUpdateGroupName = "updateGroupName"
	EventOnline          = "online"
	EventOffline         = "offline"
)

// ErrorCode is the machine readable reason carried by connectError,
// socketError and REST error bodies.
type ErrorCode string

const (
	CodeTokenExpired   ErrorCode = "token_expired"
	CodeInvalidToken   ErrorCode = "invalid_token"
	CodeMissingToken   ErrorCode = "missing_token"
	CodeNotParticipant ErrorCode = "not_participant"
	CodeRateLimited    ErrorCode = "rate_limited"
	CodeBadRequest     ErrorCode = "bad_request"
	CodeNotFound       ErrorCode = "not_found"
	CodeForbidden      ErrorCode = "forbidden"
	CodeInternal       ErrorCode = "internal"
)

// WSMessage is the JSON envelope exchanged on the websocket. A leaveChat
// sent by the server means the user no longer belongs to Room.
type WSMessage struct {
	Event       string       `json:"event"`
	Room        string       `json:"room,omitempty"`
	ID          string       `json:"id,omitempty"`
	Content     string       `json:"content,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyToID   string       `json:"reply_to_id,omitempty"`
	Message     *Message     `json:"message,omitempty"`
	MessageIDs  []string     `json:"message_ids,omitempty"`
	UserID      string       `json:"user_id,omitempty"`
	Username    string       `json:"username,omitempty"`
	Name        string       `json:"name,omitempty"`
	Chat        *ChatSummary `json:"chat,omitempty"`
	Code        ErrorCode    `json:"code,omitempty"`
	Error       string       `json:"error,omitempty"`
	Timestamp   int64        `json:"timestamp,omitempty"`
}

// ErrorResponse is the body of every failed REST call.
type ErrorResponse struct {
	Code  ErrorCode `json:"code"`
	Error string    `json:"error"`
}
