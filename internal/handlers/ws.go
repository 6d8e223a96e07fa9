package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"militext/internal/metrics"
	"militext/internal/models"
	"militext/internal/services"
	"militext/internal/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

// Realtime serves the websocket endpoint.
type Realtime struct {
	log      *slog.Logger
	hub      *Hub
	chats    Chats
	metrics  *metrics.Metrics
	limiters *limiterPool
}

func NewRealtime(log *slog.Logger, hub *Hub, chats Chats, m *metrics.Metrics, eventRPS float64, eventBurst int) *Realtime {
	return &Realtime{
		log:      log,
		hub:      hub,
		chats:    chats,
		metrics:  m,
		limiters: newLimiterPool(eventRPS, eventBurst),
	}
}

type wsSession struct {
	connID string
	user   models.UserRef
	conn   *utils.LockedConn
}

func (s *wsSession) send(msg models.WSMessage) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	return s.conn.SendJSON(msg)
}

// Handler handles the websocket connection
func (rt *Realtime) Handler() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		// Retrieve user info from locals (set by middleware)
		sess := &wsSession{
			connID: uuid.NewString(),
			conn:   utils.NewLockedConn(c),
		}
		sess.user.ID, _ = c.Locals(localUserID).(string)
		sess.user.Username, _ = c.Locals(localUsername).(string)
		log := rt.log.With("conn", sess.connID, "user", sess.user.ID)

		first := rt.hub.Register(sess.connID, sess.user.ID, sess.user.Username, sess.conn)
		rt.updateGauges()

		defer func() {
			room, offline := rt.hub.Unregister(sess.connID)
			if room != "" {
				rt.hub.Broadcast(room, models.WSMessage{
					Event:    models.EventStopTyping,
					Room:     room,
					UserID:   sess.user.ID,
					Username: sess.user.Username,
				}, "")
			}
			if offline {
				rt.announcePresence(log, sess.user, models.EventOffline)
			}
			rt.limiters.Forget(sess.connID)
			rt.updateGauges()
			c.Close()
		}()

		if err := sess.send(models.WSMessage{Event: models.EventConnected, UserID: sess.user.ID, Username: sess.user.Username}); err != nil {
			utils.LogError(log, err, "Send connected failed")
			return
		}
		if first {
			rt.announcePresence(log, sess.user, models.EventOnline)
		}

		// The socket lives no longer than the token it was opened with.
		if exp, ok := c.Locals(localExpiry).(time.Time); ok && !exp.IsZero() {
			timer := time.AfterFunc(time.Until(exp), func() {
				log.Info("Access token expired, closing socket")
				_ = sess.send(models.WSMessage{
					Event: models.EventConnectError,
					Code:  models.CodeTokenExpired,
					Error: "access token expired",
				})
				_ = c.Close()
			})
			defer timer.Stop()
		}

		for {
			msgType, msg, err := c.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug("Socket read ended", "err", err)
				}
				break
			}
			if msgType != websocket.TextMessage {
				continue
			}

			var wsMsg models.WSMessage
			if err := utils.SafeJSONParse(msg, &wsMsg); err != nil {
				utils.LogError(log, err, "JSON parse failed")
				_ = sess.send(socketError("", models.CodeBadRequest, "malformed message"))
				continue
			}
			if !rt.limiters.Allow(sess.connID) {
				rt.metrics.RateLimited.Inc()
				limited := socketError(wsMsg.Room, models.CodeRateLimited, "slow down")
				limited.ID = wsMsg.ID
				_ = sess.send(limited)
				continue
			}
			rt.handle(log, sess, wsMsg)
		}
	})
}

func (rt *Realtime) updateGauges() {
	conns, rooms := rt.hub.Counts()
	rt.metrics.Connections.Set(float64(conns))
	rt.metrics.OpenRooms.Set(float64(rooms))
}

func socketError(room string, code models.ErrorCode, msg string) models.WSMessage {
	return models.WSMessage{Event: models.EventSocketError, Room: room, Code: code, Error: msg}
}

// WSUpgradeMiddleware upgrades the connection to WebSocket
func WSUpgradeMiddleware(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// AuthMiddleware verifies the access token. Rejections carry a wire code so
// clients can tell an expired token from a bad one.
func AuthMiddleware(tokens Tokens, m *metrics.Metrics) fiber.Handler {
	reject := func(c *fiber.Ctx, code models.ErrorCode, msg string) error {
		m.AuthRejections.WithLabelValues(string(code)).Inc()
		return writeError(c, http.StatusUnauthorized, code, msg)
	}

	return func(c *fiber.Ctx) error {
		// Get token from query param `access_token` or Authorization header
		token := c.Query("access_token")
		if token == "" {
			if authHeader := c.Get(fiber.HeaderAuthorization); strings.HasPrefix(authHeader, "Bearer ") {
				token = strings.TrimPrefix(authHeader, "Bearer ")
			}
		}
		if token == "" {
			return reject(c, models.CodeMissingToken, "missing token")
		}

		claims, err := tokens.ValidateAccess(token)
		if err != nil {
			if errors.Is(err, services.ErrTokenExpired) {
				return reject(c, models.CodeTokenExpired, "access token expired")
			}
			return reject(c, models.CodeInvalidToken, "invalid token")
		}

		c.Locals(localUserID, claims.UserID())
		c.Locals(localUsername, claims.Username)
		if claims.ExpiresAt != nil {
			c.Locals(localExpiry, claims.ExpiresAt.Time)
		}
		return c.Next()
	}
}
