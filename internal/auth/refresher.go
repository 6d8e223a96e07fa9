package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"militext/internal/apperr"
	"militext/internal/models"

	"golang.org/x/sync/singleflight"
)

var errSignedOut = fmt.Errorf("%w: %w", apperr.ErrRefreshFailed, apperr.ErrNoCredentials)

// TokenRefresher exchanges a refresh token for a new pair.
type TokenRefresher interface {
	RefreshTokens(ctx context.Context, refreshToken string) (models.TokenPair, error)
}

// Refresher holds the live credentials of a session and refreshes them at
// most once at a time. Callers that observed an expired access token all wait
// on the same refresh; callers whose token was already replaced get the
// current pair without a new refresh.
type Refresher struct {
	log           *slog.Logger
	store         Store
	api           TokenRefresher
	onInvalidated func(error)

	group singleflight.Group
	mu    sync.RWMutex
	creds Credentials
	user  *models.User
}

func NewRefresher(log *slog.Logger, store Store, api TokenRefresher, onInvalidated func(error)) *Refresher {
	if onInvalidated == nil {
		onInvalidated = func(error) {}
	}
	return &Refresher{log: log, store: store, api: api, onInvalidated: onInvalidated}
}

// Restore loads persisted credentials. It returns apperr.ErrNoCredentials
// when the user has to log in.
func (r *Refresher) Restore(ctx context.Context) error {
	creds, user, err := r.store.Load(ctx)
	if err != nil {
		return err
	}
	if creds.AccessToken == "" || user == nil || user.ID == "" {
		return apperr.ErrNoCredentials
	}
	r.mu.Lock()
	r.creds, r.user = creds, user
	r.mu.Unlock()
	return nil
}

// Login installs the credentials returned by a successful login.
func (r *Refresher) Login(ctx context.Context, res models.AuthResponse) error {
	creds := Credentials{AccessToken: res.AccessToken, RefreshToken: res.RefreshToken}
	if err := r.store.SaveCredentials(ctx, creds); err != nil {
		return err
	}
	if err := r.store.SaveUser(ctx, res.User); err != nil {
		return err
	}
	user := res.User
	r.mu.Lock()
	r.creds, r.user = creds, &user
	r.mu.Unlock()
	return nil
}

func (r *Refresher) Current() Credentials {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.creds
}

// User returns the logged in user, nil before Restore or Login.
func (r *Refresher) User() *models.User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.user
}

// AccessToken returns the current access token.
func (r *Refresher) AccessToken() string {
	return r.Current().AccessToken
}

// Refresh replaces stale, the access token the caller saw rejected. Once
// the session was invalidated it fails without calling the server again.
func (r *Refresher) Refresh(ctx context.Context, stale string) (Credentials, error) {
	cur := r.Current()
	if cur.Empty() {
		return Credentials{}, errSignedOut
	}
	if cur.AccessToken != "" && cur.AccessToken != stale {
		return cur, nil
	}

	v, err, shared := r.group.Do(stale, func() (any, error) {
		return r.refresh(context.WithoutCancel(ctx), stale)
	})
	if shared {
		r.log.Debug("Joined in-flight credential refresh")
	}
	if err != nil {
		return Credentials{}, err
	}
	return v.(Credentials), nil
}

func (r *Refresher) refresh(ctx context.Context, stale string) (Credentials, error) {
	cur := r.Current()
	if cur.Empty() {
		return Credentials{}, errSignedOut
	}
	if cur.AccessToken != "" && cur.AccessToken != stale {
		return cur, nil
	}
	if cur.RefreshToken == "" {
		r.Invalidate(ctx, apperr.ErrNoCredentials)
		return Credentials{}, fmt.Errorf("%w: %v", apperr.ErrRefreshFailed, apperr.ErrNoCredentials)
	}

	pair, err := r.api.RefreshTokens(ctx, cur.RefreshToken)
	if err != nil {
		r.log.Warn("Credential refresh failed", "err", err)
		r.Invalidate(ctx, err)
		return Credentials{}, fmt.Errorf("%w: %v", apperr.ErrRefreshFailed, err)
	}

	next := Credentials{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}
	r.mu.Lock()
	r.creds = next
	r.mu.Unlock()

	if err := r.store.SaveCredentials(ctx, next); err != nil {
		r.log.Error("Persisting refreshed credentials failed", "err", err)
	}
	r.log.Debug("Credentials refreshed")
	return next, nil
}

// Invalidate drops the credentials and tells the owner a new login is needed.
func (r *Refresher) Invalidate(ctx context.Context, cause error) {
	r.mu.Lock()
	r.creds, r.user = Credentials{}, nil
	r.mu.Unlock()

	if err := r.store.Clear(ctx); err != nil {
		r.log.Error("Clearing credential store failed", "err", err)
	}
	r.onInvalidated(cause)
}

// Logout drops the credentials without notifying the invalidation hook.
func (r *Refresher) Logout(ctx context.Context) error {
	r.mu.Lock()
	r.creds, r.user = Credentials{}, nil
	r.mu.Unlock()
	return r.store.Clear(ctx)
}
