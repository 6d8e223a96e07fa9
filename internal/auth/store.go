// Package auth owns the session credentials of the client: their persisted
// form and the single-flight refresh.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"militext/internal/models"

	"github.com/dgraph-io/badger/v4"
)

// Credentials is the token pair of one authenticated session.
type Credentials struct {
	AccessToken  string
	RefreshToken string
}

func (c Credentials) Empty() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// Store persists the credentials and the current user between runs.
type Store interface {
	Load(ctx context.Context) (Credentials, *models.User, error)
	SaveCredentials(ctx context.Context, creds Credentials) error
	SaveUser(ctx context.Context, user models.User) error
	Clear(ctx context.Context) error
}

var (
	keyAccess  = []byte("access")
	keyRefresh = []byte("refresh")
	keyUser    = []byte("user")
)

// BadgerStore keeps the credentials in a badger database.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens the store at path. An empty path opens an in-memory store.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) Load(_ context.Context) (Credentials, *models.User, error) {
	var (
		creds Credentials
		user  *models.User
	)
	err := s.db.View(func(txn *badger.Txn) error {
		access, err := get(txn, keyAccess)
		if err != nil {
			return err
		}
		refresh, err := get(txn, keyRefresh)
		if err != nil {
			return err
		}
		creds = Credentials{AccessToken: string(access), RefreshToken: string(refresh)}

		raw, err := get(txn, keyUser)
		if err != nil || raw == nil {
			return err
		}
		var u models.User
		if err := json.Unmarshal(raw, &u); err != nil {
			return fmt.Errorf("decode stored user: %w", err)
		}
		user = &u
		return nil
	})
	return creds, user, err
}

func get(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (s *BadgerStore) SaveCredentials(_ context.Context, creds Credentials) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(keyAccess, []byte(creds.AccessToken)); err != nil {
			return err
		}
		return txn.Set(keyRefresh, []byte(creds.RefreshToken))
	})
}

func (s *BadgerStore) SaveUser(_ context.Context, user models.User) error {
	raw, err := json.Marshal(user)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyUser, raw)
	})
}

func (s *BadgerStore) Clear(_ context.Context) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, key := range [][]byte{keyAccess, keyRefresh, keyUser} {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}
