package utils

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gofiber/websocket/v2"
)

// SafeJSONParse parses JSON safely
func SafeJSONParse(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// LockedConn serialises writes on a server side websocket.
// Fiber's websocket implementation is not safe for concurrent writes.
type LockedConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func NewLockedConn(c *websocket.Conn) *LockedConn {
	return &LockedConn{Conn: c}
}

// SendJSON sends a JSON payload on the connection.
func (c *LockedConn) SendJSON(payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteJSON(payload)
}

// LogError logs an error if it's not nil
func LogError(log *slog.Logger, err error, context string, args ...any) {
	if err != nil {
		log.Error(context, append(args, "err", err)...)
	}
}
