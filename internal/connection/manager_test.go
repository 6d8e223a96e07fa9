package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"militext/internal/apperr"
	"militext/internal/auth"
	"militext/internal/models"
	"militext/internal/transport"

	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	token  string
	done   chan struct{}
	once   sync.Once
	closed atomic.Bool

	mu      sync.Mutex
	err     error
	emitted []models.WSMessage
}

func newFakeConn(token string) *fakeConn {
	return &fakeConn{token: token, done: make(chan struct{})}
}

func (c *fakeConn) Emit(msg models.WSMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitted = append(c.emitted, msg)
	return nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) drop(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
}

func (c *fakeConn) sent() []models.WSMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.emitted)
}

type fakeDialer struct {
	gate chan struct{}

	mu       sync.Mutex
	accept   map[string]bool
	failures int
	tokens   []string
	conns    []*fakeConn
}

func newFakeDialer(accepted ...string) *fakeDialer {
	d := &fakeDialer{accept: map[string]bool{}}
	for _, tok := range accepted {
		d.accept[tok] = true
	}
	return d
}

func (d *fakeDialer) dial(_ context.Context, token string, _ *transport.Bus[models.WSMessage]) (Conn, error) {
	if d.gate != nil {
		<-d.gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.tokens = append(d.tokens, token)
	if d.failures > 0 {
		d.failures--
		return nil, fmt.Errorf("%w: connection refused", apperr.ErrRequestFailed)
	}
	if !d.accept[token] {
		return nil, fmt.Errorf("%w: handshake rejected", apperr.ErrAuthExpired)
	}
	c := newFakeConn(token)
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.tokens)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

type countingAPI struct {
	calls atomic.Int32
	pair  models.TokenPair
	err   error
}

func (a *countingAPI) RefreshTokens(context.Context, string) (models.TokenPair, error) {
	a.calls.Add(1)
	return a.pair, a.err
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) add(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) get() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.states)
}

func newTestManager(t *testing.T, d *fakeDialer, api auth.TokenRefresher, onInvalidated func(error)) (*Manager, *stateRecorder) {
	t.Helper()
	store, err := auth.OpenBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	tokens := auth.NewRefresher(slog.Default(), store, api, onInvalidated)
	require.NoError(t, tokens.Login(context.Background(), models.AuthResponse{
		TokenPair: models.TokenPair{AccessToken: "A1", RefreshToken: "R1"},
		User:      models.User{ID: "u1", Username: "alice"},
	}))

	m := NewManager(slog.Default(), d.dial, tokens, Config{MaxDials: 3, RedialWait: time.Millisecond})
	t.Cleanup(m.Close)

	rec := &stateRecorder{}
	m.WatchState(rec.add)
	return m, rec
}

func TestOpen_ConcurrentCallersShareOneDial(t *testing.T) {
	req := require.New(t)
	d := newFakeDialer("A1")
	d.gate = make(chan struct{})
	m, _ := newTestManager(t, d, &countingAPI{}, nil)

	// Given five screens opening the connection at once
	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Open(context.Background())
		}(i)
	}
	time.Sleep(20 * time.Millisecond)

	// When the single dial completes
	close(d.gate)
	wg.Wait()

	// Then every caller got the same connection
	for _, err := range errs {
		req.NoError(err)
	}
	req.Equal([]string{"A1"}, d.dialed())
	req.Equal(Connected, m.State())
}

func TestOpen_RefreshesRejectedToken(t *testing.T) {
	req := require.New(t)
	d := newFakeDialer("A2")
	api := &countingAPI{pair: models.TokenPair{AccessToken: "A2", RefreshToken: "R2"}}
	m, rec := newTestManager(t, d, api, nil)

	req.NoError(m.Open(context.Background()))

	req.Equal([]string{"A1", "A2"}, d.dialed())
	req.EqualValues(1, api.calls.Load())
	req.Equal([]State{Connecting, Reconnecting, Connecting, Connected}, rec.get())
}

func TestManager_AuthFailureMidSessionReconnectsOnce(t *testing.T) {
	req := require.New(t)
	d := newFakeDialer("A1", "A2")
	api := &countingAPI{pair: models.TokenPair{AccessToken: "A2", RefreshToken: "R2"}}
	m, rec := newTestManager(t, d, api, nil)
	req.NoError(m.Open(context.Background()))

	// When the server reports the token expired mid-session
	d.conn(0).drop(fmt.Errorf("%w: token has expired", apperr.ErrAuthExpired))

	// Then the manager refreshes once and redials with the new token
	req.Eventually(func() bool {
		return d.conn(1) != nil && m.State() == Connected
	}, time.Second, 5*time.Millisecond)
	req.Equal([]string{"A1", "A2"}, d.dialed())
	req.EqualValues(1, api.calls.Load())
	req.Equal([]State{Connecting, Connected, Reconnecting, Connecting, Connected}, rec.get())

	// And emits go to the new connection
	req.NoError(m.Emit(models.WSMessage{Event: models.EventTyping, Room: "room-1"}))
	req.Len(d.conn(1).sent(), 1)
	req.Empty(d.conn(0).sent())
}

func TestManager_RefreshFailureInvalidatesSession(t *testing.T) {
	req := require.New(t)
	d := newFakeDialer("A1")
	api := &countingAPI{err: errors.New("refresh token revoked")}
	var invalidated atomic.Bool
	m, _ := newTestManager(t, d, api, func(error) { invalidated.Store(true) })
	req.NoError(m.Open(context.Background()))

	d.conn(0).drop(fmt.Errorf("%w: token has expired", apperr.ErrAuthExpired))

	req.Eventually(func() bool {
		return invalidated.Load() && m.State() == Disconnected
	}, time.Second, 5*time.Millisecond)
	req.ErrorIs(m.Err(), apperr.ErrRefreshFailed)
	req.ErrorIs(m.Emit(models.WSMessage{Event: models.EventTyping}), apperr.ErrNotConnected)
	req.Equal([]string{"A1"}, d.dialed())
}

func TestManager_NetworkDropRedialsWithoutRefresh(t *testing.T) {
	req := require.New(t)
	d := newFakeDialer("A1")
	api := &countingAPI{}
	m, _ := newTestManager(t, d, api, nil)
	req.NoError(m.Open(context.Background()))

	d.mu.Lock()
	d.failures = 1
	d.mu.Unlock()
	d.conn(0).drop(io.ErrUnexpectedEOF)

	req.Eventually(func() bool {
		return d.conn(1) != nil && m.State() == Connected
	}, time.Second, 5*time.Millisecond)
	req.Equal([]string{"A1", "A1", "A1"}, d.dialed())
	req.Zero(api.calls.Load())
}

func TestOpen_GivesUpAfterMaxDials(t *testing.T) {
	req := require.New(t)
	d := newFakeDialer("A1")
	d.failures = 10
	m, _ := newTestManager(t, d, &countingAPI{}, nil)

	err := m.Open(context.Background())

	req.ErrorIs(err, apperr.ErrRequestFailed)
	req.Len(d.dialed(), 3)
	req.Equal(Disconnected, m.State())
}

func TestManager_EmitAndCloseWithoutConnection(t *testing.T) {
	req := require.New(t)
	m, rec := newTestManager(t, newFakeDialer("A1"), &countingAPI{}, nil)

	req.ErrorIs(m.Emit(models.WSMessage{Event: models.EventJoinChat}), apperr.ErrNotConnected)
	m.Close()
	m.Close()

	req.Equal(Disconnected, m.State())
	req.Empty(rec.get())
}

func TestManager_CloseDetachesListenersAndConnection(t *testing.T) {
	req := require.New(t)
	d := newFakeDialer("A1")
	m, rec := newTestManager(t, d, &countingAPI{}, nil)
	req.NoError(m.Open(context.Background()))
	m.Subscribe(models.EventNewMessage, func(models.WSMessage) {})

	m.Close()

	req.True(d.conn(0).closed.Load())
	req.Zero(m.events.Len(models.EventNewMessage))
	req.Zero(m.states.Len(stateKey))
	req.Equal([]State{Connecting, Connected, Disconnected}, rec.get())
	req.ErrorIs(m.Emit(models.WSMessage{Event: models.EventTyping}), apperr.ErrNotConnected)

	// The closed connection ending later does not trigger a recovery
	time.Sleep(20 * time.Millisecond)
	req.Equal([]string{"A1"}, d.dialed())
}

func TestManager_CloseWhileStateHandlerEmits(t *testing.T) {
	req := require.New(t)
	d := newFakeDialer("A1", "A2")
	api := &countingAPI{pair: models.TokenPair{AccessToken: "A2", RefreshToken: "R2"}}
	m, _ := newTestManager(t, d, api, nil)
	req.NoError(m.Open(context.Background()))

	// Given a listener that re-joins its room whenever the connection is back
	entered, release := make(chan struct{}), make(chan struct{})
	var once sync.Once
	m.WatchState(func(s State) {
		if s != Connected {
			return
		}
		once.Do(func() {
			close(entered)
			<-release
		})
		_ = m.Emit(models.WSMessage{Event: models.EventJoinChat, Room: "room-1"})
	})

	// When the connection recovers and Close runs while the listener is busy
	d.conn(0).drop(fmt.Errorf("%w: token has expired", apperr.ErrAuthExpired))
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("listener never saw the recovered connection")
	}
	closed := make(chan struct{})
	go func() {
		m.Close()
		close(closed)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	// Then neither side blocks the other
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked by the state listener")
	}
	req.Equal(Disconnected, m.State())
	req.ErrorIs(m.Emit(models.WSMessage{Event: models.EventTyping}), apperr.ErrNotConnected)
}

func TestManager_StateListenerCanEmit(t *testing.T) {
	req := require.New(t)
	d := newFakeDialer("A1")
	m, _ := newTestManager(t, d, &countingAPI{}, nil)
	var emitErr error
	m.WatchState(func(s State) {
		if s == Connected {
			emitErr = m.Emit(models.WSMessage{Event: models.EventJoinChat, Room: "room-1"})
		}
	})

	req.NoError(m.Open(context.Background()))

	req.NoError(emitErr)
	req.Len(d.conn(0).sent(), 1)
}

func TestOpen_RejectedTokenIsNotRefreshed(t *testing.T) {
	req := require.New(t)
	api := &countingAPI{pair: models.TokenPair{AccessToken: "A2", RefreshToken: "R2"}}
	m, rec := newTestManager(t, newFakeDialer(), api, nil)
	var dials atomic.Int32
	m.dial = func(context.Context, string, *transport.Bus[models.WSMessage]) (Conn, error) {
		dials.Add(1)
		return nil, fmt.Errorf("%w: invalid_token: invalid token", apperr.ErrUnauthorized)
	}

	err := m.Open(context.Background())

	req.ErrorIs(err, apperr.ErrUnauthorized)
	req.EqualValues(1, dials.Load())
	req.Zero(api.calls.Load())
	req.Equal(Disconnected, m.State())
	req.Equal([]State{Connecting, Disconnected}, rec.get())
}

func TestManager_RejectedMidSessionDisconnects(t *testing.T) {
	req := require.New(t)
	d := newFakeDialer("A1")
	api := &countingAPI{}
	m, _ := newTestManager(t, d, api, nil)
	req.NoError(m.Open(context.Background()))

	d.conn(0).drop(fmt.Errorf("%w: invalid_token: invalid token", apperr.ErrUnauthorized))

	req.Eventually(func() bool { return m.State() == Disconnected }, time.Second, 5*time.Millisecond)
	req.ErrorIs(m.Err(), apperr.ErrUnauthorized)
	req.Equal([]string{"A1"}, d.dialed())
	req.Zero(api.calls.Load())
}
