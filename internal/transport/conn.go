// Package transport is the client side of the real-time channel: a websocket
// speaking models.WSMessage envelopes, and the typed bus its events are
// published on.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"militext/internal/apperr"
	"militext/internal/models"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	maxMessageSize          = 1 << 20
)

type DialConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Conn is one authenticated websocket. Every inbound envelope is published
// on the bus under its event name until the connection ends.
type Conn struct {
	ws           *websocket.Conn
	log          *slog.Logger
	bus          *Bus[models.WSMessage]
	writeTimeout time.Duration

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial opens the socket with the access token and waits for the server's
// connected event. A rejected handshake or a connectError is mapped to the
// apperr taxonomy, so an expired token yields apperr.ErrAuthExpired.
func Dial(ctx context.Context, cfg DialConfig, token string, bus *Bus[models.WSMessage], log *slog.Logger) (*Conn, error) {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
			defer resp.Body.Close()
			return nil, handshakeError(resp)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", apperr.ErrRequestFailed, cfg.URL, err)
	}
	ws.SetReadLimit(maxMessageSize)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(cfg.HandshakeTimeout)
	}
	_ = ws.SetReadDeadline(deadline)

	var hello models.WSMessage
	if err := ws.ReadJSON(&hello); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("%w: waiting for connected event: %v", apperr.ErrRequestFailed, err)
	}
	switch hello.Event {
	case models.EventConnected:
	case models.EventConnectError:
		_ = ws.Close()
		return nil, apperr.FromCode(hello.Code, hello.Error)
	default:
		_ = ws.Close()
		return nil, fmt.Errorf("%w: unexpected first event %q", apperr.ErrRequestFailed, hello.Event)
	}
	_ = ws.SetReadDeadline(time.Time{})

	c := &Conn{
		ws:           ws,
		log:          log,
		bus:          bus,
		writeTimeout: cfg.WriteTimeout,
		done:         make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func handshakeError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var payload models.ErrorResponse
	if err := json.Unmarshal(body, &payload); err == nil && payload.Code != "" {
		return apperr.FromCode(payload.Code, payload.Error)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: handshake rejected", apperr.ErrUnauthorized)
	}
	return fmt.Errorf("%w: handshake status %d", apperr.ErrRequestFailed, resp.StatusCode)
}

func (c *Conn) readLoop() {
	for {
		var msg models.WSMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				c.log.Debug("Socket read ended", "err", err)
				c.shutdown(err)
			}
			return
		}
		c.bus.Publish(msg.Event, msg)
		// The server closes the socket right after a connectError; record
		// the typed cause so the owner can tell an expired token from a drop.
		if msg.Event == models.EventConnectError {
			c.shutdown(apperr.FromCode(msg.Code, msg.Error))
			return
		}
	}
}

// Emit writes one envelope.
func (c *Conn) Emit(msg models.WSMessage) error {
	select {
	case <-c.done:
		return apperr.ErrNotConnected
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: emit %s: %v", apperr.ErrRequestFailed, msg.Event, err)
	}
	return nil
}

// Done is closed once the connection has ended for any reason.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err is the read error that ended the connection, nil after Close.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()
		close(c.done)
		_ = c.ws.Close()
	})
}
