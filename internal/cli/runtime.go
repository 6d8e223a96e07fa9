package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"militext/internal/api"
	"militext/internal/apperr"
	"militext/internal/auth"
	"militext/internal/connection"
	"militext/internal/transport"
	"militext/internal/utils"
)

// runtime is one logged-in process: the credential store, the refresher
// and the authenticated REST client built on it.
type runtime struct {
	cfg       Config
	log       *slog.Logger
	store     *auth.BadgerStore
	anonymous *api.Client
	refresher *auth.Refresher
	client    *api.Client
}

func newRuntime(cfg Config) (*runtime, error) {
	log := utils.NewLogger(cfg.LogLevel)
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}
	store, err := auth.OpenBadgerStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, log: log, store: store}
	rt.anonymous = api.NewClient(api.Config{BaseURL: cfg.APIBase()}, log)
	rt.refresher = auth.NewRefresher(log, store, rt.anonymous, func(cause error) {
		log.Warn("Session ended, log in again", "err", cause)
	})
	rt.client = rt.anonymous.WithTokens(rt.refresher)
	return rt, nil
}

func (rt *runtime) Close() {
	utils.LogError(rt.log, rt.store.Close(), "Closing credential store failed")
}

// restore loads the saved session or explains how to get one.
func (rt *runtime) restore(ctx context.Context) error {
	if err := rt.refresher.Restore(ctx); err != nil {
		if errors.Is(err, apperr.ErrNoCredentials) {
			return errors.New("not logged in, run: militext login")
		}
		return err
	}
	return nil
}

// connect opens the real-time connection for the restored session.
func (rt *runtime) connect(ctx context.Context) (*connection.Manager, error) {
	socketURL, err := rt.cfg.SocketURL()
	if err != nil {
		return nil, err
	}
	mgr := connection.NewManager(rt.log, connection.WebsocketDialer(transport.DialConfig{URL: socketURL}, rt.log), rt.refresher, connection.Config{})
	if err := mgr.Open(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return mgr, nil
}
