package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"militext/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/samber/lo"
)

const (
	maxGroupNameRunes = 100
	// minGroupMembers counts the participants besides the creator.
	minGroupMembers = 2
)

func groupName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxGroupNameRunes {
		return "", fmt.Errorf("%w: group name must be 1 to %d characters", ErrInvalidInput, maxGroupNameRunes)
	}
	return name, nil
}

// CreateGroup makes a group chat owned by ownerID with memberIDs. The owner
// is its first admin.
func (s *ChatService) CreateGroup(ctx context.Context, ownerID, name string, memberIDs []string) (models.GroupChat, error) {
	name, err := groupName(name)
	if err != nil {
		return models.GroupChat{}, err
	}
	members := lo.Uniq(lo.Without(memberIDs, ownerID))
	if len(members) < minGroupMembers {
		return models.GroupChat{}, fmt.Errorf("%w: a group needs at least %d other participants", ErrInvalidInput, minGroupMembers)
	}
	for _, id := range members {
		if _, err := uuid.Parse(id); err != nil {
			return models.GroupChat{}, fmt.Errorf("%w: user %s", ErrNotFound, id)
		}
	}

	var known int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM users WHERE id = ANY($1::uuid[])`, members).Scan(&known); err != nil {
		return models.GroupChat{}, err
	}
	if known != len(members) {
		return models.GroupChat{}, fmt.Errorf("%w: unknown participant", ErrNotFound)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.GroupChat{}, err
	}
	defer tx.Rollback(ctx)

	room := uuid.NewString()
	if _, err = tx.Exec(ctx, `INSERT INTO rooms (id, type, name) VALUES ($1, 'group', $2)`, room, name); err != nil {
		return models.GroupChat{}, err
	}
	if _, err = tx.Exec(ctx, `INSERT INTO room_participants (room_id, user_id, is_admin) VALUES ($1, $2, true)`, room, ownerID); err != nil {
		return models.GroupChat{}, err
	}
	_, err = tx.Exec(ctx, `INSERT INTO room_participants (room_id, user_id)
		SELECT $1, unnest($2::uuid[])`, room, members)
	if err != nil {
		return models.GroupChat{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.GroupChat{}, err
	}
	return s.GroupInfo(ctx, room)
}

// GroupInfo returns the group with its participants and admins.
func (s *ChatService) GroupInfo(ctx context.Context, room string) (models.GroupChat, error) {
	return groupInfo(ctx, s.pool, room)
}

type rowQuerier interface {
	querier
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func groupInfo(ctx context.Context, q rowQuerier, room string) (models.GroupChat, error) {
	if _, err := uuid.Parse(room); err != nil {
		return models.GroupChat{}, ErrNotFound
	}
	g := models.GroupChat{ID: room}
	err := q.QueryRow(ctx, `SELECT name, created_at FROM rooms WHERE id = $1 AND type = 'group'`, room).Scan(&g.Name, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.GroupChat{}, ErrNotFound
	}
	if err != nil {
		return models.GroupChat{}, err
	}

	rows, err := q.Query(ctx, `SELECT u.id::text, u.username, p.is_admin FROM room_participants p
		JOIN users u ON u.id = p.user_id WHERE p.room_id = $1 ORDER BY u.username`, room)
	if err != nil {
		return models.GroupChat{}, err
	}
	type member struct {
		models.UserRef
		admin bool
	}
	members, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (member, error) {
		var m member
		err := row.Scan(&m.ID, &m.Username, &m.admin)
		return m, err
	})
	if err != nil {
		return models.GroupChat{}, err
	}
	g.Participants = lo.Map(members, func(m member, _ int) models.UserRef { return m.UserRef })
	g.Admins = lo.FilterMap(members, func(m member, _ int) (string, bool) { return m.ID, m.admin })
	return g, nil
}

// requireAdmin checks that room is a group and userID one of its admins.
func requireAdmin(ctx context.Context, q rowQuerier, room, userID string) error {
	if _, err := uuid.Parse(room); err != nil {
		return ErrNotFound
	}
	var (
		kind  string
		admin *bool
	)
	err := q.QueryRow(ctx, `SELECT r.type, p.is_admin FROM rooms r
		LEFT JOIN room_participants p ON p.room_id = r.id AND p.user_id = $2
		WHERE r.id = $1`, room, userID).Scan(&kind, &admin)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return err
	case kind != "group":
		return fmt.Errorf("%w: not a group chat", ErrNotFound)
	case admin == nil:
		return ErrNotParticipant
	case !*admin:
		return fmt.Errorf("%w: only admins can change the group", ErrForbidden)
	}
	return nil
}

// RenameGroup sets the group name. Admins only.
func (s *ChatService) RenameGroup(ctx context.Context, room, userID, name string) (models.GroupChat, error) {
	name, err := groupName(name)
	if err != nil {
		return models.GroupChat{}, err
	}
	if err := requireAdmin(ctx, s.pool, room, userID); err != nil {
		return models.GroupChat{}, err
	}
	if _, err := s.pool.Exec(ctx, `UPDATE rooms SET name = $2, updated_at = now() WHERE id = $1`, room, name); err != nil {
		return models.GroupChat{}, err
	}
	return s.GroupInfo(ctx, room)
}

// AddParticipant adds userID to the group. Admins only.
func (s *ChatService) AddParticipant(ctx context.Context, room, adminID, userID string) (models.GroupChat, error) {
	if err := requireAdmin(ctx, s.pool, room, adminID); err != nil {
		return models.GroupChat{}, err
	}
	if _, err := uuid.Parse(userID); err != nil {
		return models.GroupChat{}, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
		return models.GroupChat{}, err
	}
	if !exists {
		return models.GroupChat{}, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	tag, err := s.pool.Exec(ctx, `INSERT INTO room_participants (room_id, user_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, room, userID)
	if err != nil {
		return models.GroupChat{}, err
	}
	if tag.RowsAffected() == 0 {
		return models.GroupChat{}, fmt.Errorf("%w: already a participant", ErrInvalidInput)
	}
	return s.GroupInfo(ctx, room)
}

// RemoveParticipant drops userID from the group. Admins only; an admin
// leaves with LeaveGroup instead.
func (s *ChatService) RemoveParticipant(ctx context.Context, room, adminID, userID string) (models.GroupChat, error) {
	if userID == adminID {
		return models.GroupChat{}, fmt.Errorf("%w: leave the group instead", ErrInvalidInput)
	}
	if err := requireAdmin(ctx, s.pool, room, adminID); err != nil {
		return models.GroupChat{}, err
	}
	if _, err := uuid.Parse(userID); err != nil {
		return models.GroupChat{}, ErrNotParticipant
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM room_participants WHERE room_id = $1 AND user_id = $2`, room, userID)
	if err != nil {
		return models.GroupChat{}, err
	}
	if tag.RowsAffected() == 0 {
		return models.GroupChat{}, ErrNotParticipant
	}
	return s.GroupInfo(ctx, room)
}

// LeaveGroup removes userID from the group. The last admin leaving hands
// the role to the remaining participant with the lowest id; the last
// participant leaving deletes the group.
func (s *ChatService) LeaveGroup(ctx context.Context, room, userID string) (models.GroupChat, error) {
	if _, err := uuid.Parse(room); err != nil {
		return models.GroupChat{}, ErrNotFound
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.GroupChat{}, err
	}
	defer tx.Rollback(ctx)

	var kind string
	err = tx.QueryRow(ctx, `SELECT type FROM rooms WHERE id = $1 FOR UPDATE`, room).Scan(&kind)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && kind != "group") {
		return models.GroupChat{}, ErrNotFound
	}
	if err != nil {
		return models.GroupChat{}, err
	}

	tag, err := tx.Exec(ctx, `DELETE FROM room_participants WHERE room_id = $1 AND user_id = $2`, room, userID)
	if err != nil {
		return models.GroupChat{}, err
	}
	if tag.RowsAffected() == 0 {
		return models.GroupChat{}, ErrNotParticipant
	}

	var left int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM room_participants WHERE room_id = $1`, room).Scan(&left); err != nil {
		return models.GroupChat{}, err
	}
	if left == 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM rooms WHERE id = $1`, room); err != nil {
			return models.GroupChat{}, err
		}
		return models.GroupChat{ID: room, Participants: []models.UserRef{}, Admins: []string{}, CreatedAt: time.Now().UTC()}, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `UPDATE room_participants SET is_admin = true
		WHERE room_id = $1
		AND user_id = (SELECT user_id FROM room_participants WHERE room_id = $1 ORDER BY user_id LIMIT 1)
		AND NOT EXISTS (SELECT 1 FROM room_participants WHERE room_id = $1 AND is_admin)`, room)
	if err != nil {
		return models.GroupChat{}, err
	}
	g, err := groupInfo(ctx, tx, room)
	if err != nil {
		return models.GroupChat{}, err
	}
	return g, tx.Commit(ctx)
}

// Contacts returns the distinct users sharing at least one chat with userID.
func (s *ChatService) Contacts(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT other.user_id::text
		FROM room_participants mine
		JOIN room_participants other ON other.room_id = mine.room_id AND other.user_id <> mine.user_id
		WHERE mine.user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
