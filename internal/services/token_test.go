package services

import (
	"errors"
	"testing"
	"time"

	"militext/internal/models"

	"github.com/stretchr/testify/require"
)

var user = models.UserRef{ID: "u-1", Username: "alice"}

func TestTokenService_IssueAndValidate(t *testing.T) {
	req := require.New(t)
	s := NewTokenService("secret", time.Minute, time.Hour)

	pair, err := s.Issue(user)
	req.NoError(err)

	claims, err := s.ValidateAccess(pair.AccessToken)
	req.NoError(err)
	req.Equal("u-1", claims.UserID())
	req.Equal("alice", claims.Username)

	claims, err = s.ValidateRefresh(pair.RefreshToken)
	req.NoError(err)
	req.Equal("u-1", claims.UserID())
}

func TestTokenService_KindsAreNotInterchangeable(t *testing.T) {
	req := require.New(t)
	s := NewTokenService("secret", time.Minute, time.Hour)
	pair, err := s.Issue(user)
	req.NoError(err)

	_, err = s.ValidateAccess(pair.RefreshToken)
	req.True(errors.Is(err, ErrInvalidToken))

	_, err = s.ValidateRefresh(pair.AccessToken)
	req.True(errors.Is(err, ErrInvalidToken))
}

func TestTokenService_ExpiredIsDistinct(t *testing.T) {
	req := require.New(t)
	s := NewTokenService("secret", time.Minute, time.Hour)
	issued := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return issued }
	pair, err := s.Issue(user)
	req.NoError(err)

	// When the clock passes the access ttl but not the refresh ttl
	s.now = func() time.Time { return issued.Add(2 * time.Minute) }

	_, err = s.ValidateAccess(pair.AccessToken)
	req.True(errors.Is(err, ErrTokenExpired))
	req.False(errors.Is(err, ErrInvalidToken))

	_, err = s.ValidateRefresh(pair.RefreshToken)
	req.NoError(err)
}

func TestTokenService_WrongSecret(t *testing.T) {
	req := require.New(t)
	pair, err := NewTokenService("one", time.Minute, time.Hour).Issue(user)
	req.NoError(err)

	_, err = NewTokenService("two", time.Minute, time.Hour).ValidateAccess(pair.AccessToken)

	req.True(errors.Is(err, ErrInvalidToken))
}
