package services

import (
	"context"
	"errors"
	"strings"

	"militext/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

const uniqueViolation = "23505"

type UserService struct {
	pool   *pgxpool.Pool
	tokens *TokenService
}

func NewUserService(pool *pgxpool.Pool, tokens *TokenService) *UserService {
	return &UserService{pool: pool, tokens: tokens}
}

func (s *UserService) Register(ctx context.Context, req models.RegisterRequest) (models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, err
	}

	user := models.User{ID: uuid.NewString(), Username: strings.TrimSpace(req.Username), Email: req.Email}
	query := `INSERT INTO users (id, username, email, password_hash) VALUES ($1, $2, $3, $4) RETURNING created_at`
	err = s.pool.QueryRow(ctx, query, user.ID, user.Username, user.Email, string(hash)).Scan(&user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return models.User{}, ErrUserExists
		}
		return models.User{}, err
	}
	return user, nil
}

func (s *UserService) Login(ctx context.Context, req models.LoginRequest) (models.AuthResponse, error) {
	var user models.User
	query := `SELECT id, username, email, avatar_url, password_hash, created_at FROM users WHERE username = $1`
	err := s.pool.QueryRow(ctx, query, req.Username).
		Scan(&user.ID, &user.Username, &user.Email, &user.AvatarURL, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.AuthResponse{}, ErrInvalidCredentials
		}
		return models.AuthResponse{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return models.AuthResponse{}, ErrInvalidCredentials
	}

	pair, err := s.tokens.Issue(user.Ref())
	if err != nil {
		return models.AuthResponse{}, err
	}
	return models.AuthResponse{TokenPair: pair, User: user}, nil
}

// Refresh trades a valid refresh token for a new pair. The user must still
// exist.
func (s *UserService) Refresh(ctx context.Context, refreshToken string) (models.TokenPair, error) {
	claims, err := s.tokens.ValidateRefresh(refreshToken)
	if err != nil {
		return models.TokenPair{}, err
	}
	user, err := s.GetUser(ctx, claims.UserID())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return models.TokenPair{}, ErrInvalidToken
		}
		return models.TokenPair{}, err
	}
	return s.tokens.Issue(user.Ref())
}

func (s *UserService) GetUser(ctx context.Context, id string) (models.User, error) {
	var user models.User
	query := `SELECT id, username, email, avatar_url, created_at FROM users WHERE id = $1`
	err := s.pool.QueryRow(ctx, query, id).Scan(&user.ID, &user.Username, &user.Email, &user.AvatarURL, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	return user, err
}
