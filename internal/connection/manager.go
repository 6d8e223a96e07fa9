// Package connection keeps exactly one live real-time connection per
// authenticated session and recovers it after credential expiry.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"militext/internal/apperr"
	"militext/internal/auth"
	"militext/internal/models"
	"militext/internal/transport"

	"github.com/cenkalti/backoff/v5"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const stateKey = "state"

// Conn is one established transport connection.
type Conn interface {
	Emit(msg models.WSMessage) error
	Done() <-chan struct{}
	Err() error
	Close() error
}

// DialFunc opens a connection with token. Inbound envelopes must be
// published on bus. An expired token is reported as apperr.ErrAuthExpired,
// a rejected one as apperr.ErrUnauthorized.
type DialFunc func(ctx context.Context, token string, bus *transport.Bus[models.WSMessage]) (Conn, error)

// WebsocketDialer dials the websocket endpoint described by cfg.
func WebsocketDialer(cfg transport.DialConfig, log *slog.Logger) DialFunc {
	return func(ctx context.Context, token string, bus *transport.Bus[models.WSMessage]) (Conn, error) {
		return transport.Dial(ctx, cfg, token, bus, log)
	}
}

// Tokens is the credential side of the session.
type Tokens interface {
	AccessToken() string
	Refresh(ctx context.Context, stale string) (auth.Credentials, error)
}

type Config struct {
	// MaxDials bounds the dial attempts of one connect or recovery.
	MaxDials uint
	// RedialWait is the first backoff interval between attempts.
	RedialWait time.Duration
}

var errSuperseded = fmt.Errorf("%w: closed while connecting", apperr.ErrNotConnected)

type attempt struct {
	done chan struct{}
	err  error
}

func (a *attempt) finish(err error) {
	a.err = err
	close(a.done)
}

func (a *attempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Manager owns the connection of one session. Listeners subscribe through
// the manager and survive reconnects; Close detaches all of them.
type Manager struct {
	log    *slog.Logger
	dial   DialFunc
	tokens Tokens
	cfg    Config

	events *transport.Bus[models.WSMessage]
	states *transport.Bus[State]

	mu      sync.Mutex
	state   State
	conn    Conn
	attempt *attempt
	gen     uint64
	life    context.Context
	cancel  context.CancelFunc
	lastErr error
	// queued transitions not yet published; one goroutine at a time drains
	// them, without mu held.
	queued   []State
	draining bool
}

func NewManager(log *slog.Logger, dial DialFunc, tokens Tokens, cfg Config) *Manager {
	if cfg.MaxDials == 0 {
		cfg.MaxDials = 5
	}
	if cfg.RedialWait <= 0 {
		cfg.RedialWait = 500 * time.Millisecond
	}
	return &Manager{
		log:    log,
		dial:   dial,
		tokens: tokens,
		cfg:    cfg,
		events: transport.NewBus[models.WSMessage](),
		states: transport.NewBus[State](),
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err is the error that last left the manager Disconnected.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Open connects with the current access token and returns once the server
// confirmed the connection. While an attempt is in flight further calls wait
// for it; while Connected they return immediately.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	if m.state == Connected {
		m.mu.Unlock()
		return nil
	}
	if m.attempt != nil {
		a := m.attempt
		m.mu.Unlock()
		return a.wait(ctx)
	}
	a := &attempt{done: make(chan struct{})}
	m.attempt = a
	m.gen++
	gen := m.gen
	m.life, m.cancel = context.WithCancel(context.Background())
	m.setStateLocked(Connecting)

	err := m.connect(ctx, gen, m.tokens.AccessToken())
	a.finish(err)
	return err
}

// Close tears the connection down and detaches every listener. It is safe
// to call without a connection. Handlers must not call Close.
func (m *Manager) Close() {
	m.mu.Lock()
	m.gen++
	conn := m.conn
	m.conn, m.attempt, m.lastErr = nil, nil, nil
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.setStateLocked(Disconnected)

	if conn != nil {
		_ = conn.Close()
	}
	m.events.Clear()
	m.states.Clear()
}

// Emit writes msg on the live connection.
func (m *Manager) Emit(msg models.WSMessage) error {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()

	if state != Connected || conn == nil {
		return apperr.ErrNotConnected
	}
	return conn.Emit(msg)
}

// Subscribe registers handler for inbound envelopes of event.
func (m *Manager) Subscribe(event string, handler func(models.WSMessage)) transport.Subscription {
	return m.events.Subscribe(event, handler)
}

// WatchState registers handler for state transitions. Handlers run in
// transition order and must not call Open or Close.
func (m *Manager) WatchState(handler func(State)) transport.Subscription {
	return m.states.Subscribe(stateKey, handler)
}

// setStateLocked is called with mu held and releases it. Transitions are
// published in the order they happened and never while mu is held, so
// handlers may call Emit or State. If another goroutine is publishing it
// delivers s as well and setStateLocked returns right away.
func (m *Manager) setStateLocked(s State) {
	if m.state != s {
		m.state = s
		m.queued = append(m.queued, s)
	}
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	for len(m.queued) > 0 {
		next := m.queued[0]
		m.queued = m.queued[1:]
		m.mu.Unlock()

		m.log.Debug("Connection state changed", "state", next.String())
		m.states.Publish(stateKey, next)

		m.mu.Lock()
	}
	m.draining = false
	m.mu.Unlock()
}

// transition moves to s unless gen was superseded by Close or a newer
// attempt.
func (m *Manager) transition(gen uint64, s State) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	m.setStateLocked(s)
	return true
}

// connect dials until the server accepts or the attempts run out. A token
// rejected as expired is refreshed once per rejection through the shared
// single-flight refresh.
func (m *Manager) connect(ctx context.Context, gen uint64, token string) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.cfg.RedialWait

	conn, err := backoff.Retry(ctx, func() (Conn, error) {
		conn, err := m.dial(ctx, token, m.events)
		if err == nil {
			return conn, nil
		}
		if errors.Is(err, apperr.ErrUnauthorized) {
			return nil, backoff.Permanent(err)
		}
		if !errors.Is(err, apperr.ErrAuthExpired) {
			m.log.Debug("Dial failed", "err", err)
			return nil, err
		}

		if !m.transition(gen, Reconnecting) {
			return nil, backoff.Permanent(errSuperseded)
		}
		creds, rerr := m.tokens.Refresh(ctx, token)
		if rerr != nil {
			return nil, backoff.Permanent(rerr)
		}
		token = creds.AccessToken
		if !m.transition(gen, Connecting) {
			return nil, backoff.Permanent(errSuperseded)
		}
		return nil, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(m.cfg.MaxDials))
	if err != nil {
		m.fail(gen, err)
		return err
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		_ = conn.Close()
		return errSuperseded
	}
	m.conn, m.attempt, m.lastErr = conn, nil, nil
	life := m.life
	m.setStateLocked(Connected)

	go m.watch(life, gen, conn, token)
	return nil
}

func (m *Manager) fail(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.conn, m.attempt, m.lastErr = nil, nil, err
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.log.Warn("Connection lost", "err", err)
	m.setStateLocked(Disconnected)
}

// watch waits for conn to end and recovers it unless the manager moved on.
func (m *Manager) watch(life context.Context, gen uint64, conn Conn, token string) {
	select {
	case <-conn.Done():
	case <-life.Done():
		return
	}

	m.mu.Lock()
	if gen != m.gen || m.conn != conn {
		m.mu.Unlock()
		return
	}
	cause := conn.Err()
	if errors.Is(cause, apperr.ErrUnauthorized) {
		m.mu.Unlock()
		m.fail(gen, cause)
		return
	}
	a := &attempt{done: make(chan struct{})}
	m.conn, m.attempt = nil, a
	m.log.Info("Connection dropped, recovering", "err", cause)
	m.setStateLocked(Reconnecting)

	if errors.Is(cause, apperr.ErrAuthExpired) {
		creds, err := m.tokens.Refresh(life, token)
		if err != nil {
			m.fail(gen, err)
			a.finish(err)
			return
		}
		token = creds.AccessToken
	}
	if !m.transition(gen, Connecting) {
		a.finish(errSuperseded)
		return
	}
	a.finish(m.connect(life, gen, token))
}
