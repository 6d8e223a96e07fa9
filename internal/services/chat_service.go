package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"militext/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"
)

const messageColumns = `m.id::text, m.room_id::text, m.sender_id::text, u.username, m.content, m.attachments,
	COALESCE(m.reply_to_id::text, ''), m.created_at, m.updated_at`

type ChatService struct {
	pool *pgxpool.Pool
}

func NewChatService(pool *pgxpool.Pool) *ChatService {
	return &ChatService{pool: pool}
}

func (s *ChatService) GetOrCreateDirectRoom(ctx context.Context, userID1, userID2 string) (models.RoomResponse, error) {
	if userID1 == userID2 {
		return models.RoomResponse{}, ErrForbidden
	}
	if _, err := uuid.Parse(userID2); err != nil {
		return models.RoomResponse{}, ErrNotFound
	}

	// Check if room exists
	query := `
		SELECT r.id::text
		FROM rooms r
		JOIN room_participants p1 ON r.id = p1.room_id
		JOIN room_participants p2 ON r.id = p2.room_id
		WHERE r.type = 'direct'
		AND p1.user_id = $1
		AND p2.user_id = $2
		LIMIT 1
	`
	var roomID string
	err := s.pool.QueryRow(ctx, query, userID1, userID2).Scan(&roomID)
	if err == nil {
		return models.RoomResponse{RoomID: roomID, IsNew: false}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.RoomResponse{}, err
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID2).Scan(&exists); err != nil {
		return models.RoomResponse{}, err
	}
	if !exists {
		return models.RoomResponse{}, ErrNotFound
	}

	// Create new room
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.RoomResponse{}, err
	}
	defer tx.Rollback(ctx)

	newRoomID := uuid.NewString()
	if _, err = tx.Exec(ctx, "INSERT INTO rooms (id, type) VALUES ($1, 'direct')", newRoomID); err != nil {
		return models.RoomResponse{}, err
	}
	_, err = tx.Exec(ctx, "INSERT INTO room_participants (room_id, user_id) VALUES ($1, $2), ($1, $3)", newRoomID, userID1, userID2)
	if err != nil {
		return models.RoomResponse{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.RoomResponse{}, err
	}

	return models.RoomResponse{RoomID: newRoomID, IsNew: true}, nil
}

func (s *ChatService) IsParticipant(ctx context.Context, room, userID string) (bool, error) {
	if _, err := uuid.Parse(room); err != nil {
		return false, nil
	}
	var ok bool
	query := `SELECT EXISTS (SELECT 1 FROM room_participants WHERE room_id = $1 AND user_id = $2)`
	err := s.pool.QueryRow(ctx, query, room, userID).Scan(&ok)
	return ok, err
}

// Participants returns the user ids of room.
func (s *ChatService) Participants(ctx context.Context, room string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id::text FROM room_participants WHERE room_id = $1`, room)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// SaveMessage stores msg under the client supplied id. A retried send with
// an id already stored returns the stored row unchanged.
func (s *ChatService) SaveMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	} else if _, err := uuid.Parse(msg.ID); err != nil {
		return models.Message{}, fmt.Errorf("%w: message id is not a uuid", ErrInvalidInput)
	}
	if msg.ReplyToID != "" {
		if _, err := uuid.Parse(msg.ReplyToID); err != nil {
			return models.Message{}, fmt.Errorf("%w: reply target is not a uuid", ErrInvalidInput)
		}
	}
	attachments, err := json.Marshal(lo.Ternary(msg.Attachments == nil, []models.Attachment{}, msg.Attachments))
	if err != nil {
		return models.Message{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.Message{}, err
	}
	defer tx.Rollback(ctx)

	if msg.ReplyToID != "" {
		var found bool
		err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1 AND room_id = $2)`,
			msg.ReplyToID, msg.Room).Scan(&found)
		if err != nil {
			return models.Message{}, err
		}
		if !found {
			return models.Message{}, fmt.Errorf("%w: reply target %s", ErrNotFound, msg.ReplyToID)
		}
	}

	query := `INSERT INTO messages (id, room_id, sender_id, content, attachments, reply_to_id)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, '')::uuid)
		ON CONFLICT (id) DO NOTHING`
	tag, err := tx.Exec(ctx, query, msg.ID, msg.Room, msg.Sender.ID, msg.Content, attachments, msg.ReplyToID)
	if err != nil {
		return models.Message{}, err
	}
	if tag.RowsAffected() == 1 {
		_, err = tx.Exec(ctx, `UPDATE room_participants SET unread_count = unread_count + 1
			WHERE room_id = $1 AND user_id <> $2`, msg.Room, msg.Sender.ID)
		if err != nil {
			return models.Message{}, err
		}
		if _, err = tx.Exec(ctx, `UPDATE rooms SET updated_at = now() WHERE id = $1`, msg.Room); err != nil {
			return models.Message{}, err
		}
	}

	saved, err := getMessage(ctx, tx, msg.Room, msg.ID)
	if err != nil {
		return models.Message{}, err
	}
	if saved.Sender.ID != msg.Sender.ID {
		return models.Message{}, ErrForbidden
	}
	return saved, tx.Commit(ctx)
}

// MessagesBefore returns up to limit messages older than before, oldest
// first. An empty before starts from the latest message.
func (s *ChatService) MessagesBefore(ctx context.Context, room, before string, limit int) (models.MessagesPage, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if before == "" {
		query := `SELECT ` + messageColumns + ` FROM messages m JOIN users u ON u.id = m.sender_id
			WHERE m.room_id = $1 ORDER BY m.created_at DESC, m.seq DESC LIMIT $2`
		rows, err = s.pool.Query(ctx, query, room, limit+1)
	} else {
		if _, perr := uuid.Parse(before); perr != nil {
			return models.MessagesPage{}, ErrNotFound
		}
		query := `SELECT ` + messageColumns + ` FROM messages m JOIN users u ON u.id = m.sender_id
			JOIN messages c ON c.id = $2 AND c.room_id = m.room_id
			WHERE m.room_id = $1 AND (m.created_at, m.seq) < (c.created_at, c.seq)
			ORDER BY m.created_at DESC, m.seq DESC LIMIT $3`
		rows, err = s.pool.Query(ctx, query, room, before, limit+1)
	}
	if err != nil {
		return models.MessagesPage{}, err
	}

	messages, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		return models.MessagesPage{}, err
	}

	page := models.MessagesPage{HasMore: len(messages) > limit}
	if page.HasMore {
		messages = messages[:limit]
	}
	page.Messages = lo.Reverse(messages)
	if page.Messages == nil {
		page.Messages = []models.Message{}
	}
	return page, nil
}

// EditMessage replaces the content of one of userID's own messages.
func (s *ChatService) EditMessage(ctx context.Context, room, messageID, userID, content string) (models.Message, error) {
	if _, err := uuid.Parse(messageID); err != nil {
		return models.Message{}, ErrNotFound
	}
	var sender string
	err := s.pool.QueryRow(ctx, `SELECT sender_id::text FROM messages WHERE id = $1 AND room_id = $2`, messageID, room).Scan(&sender)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Message{}, ErrNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	if sender != userID {
		return models.Message{}, ErrForbidden
	}

	if _, err := s.pool.Exec(ctx, `UPDATE messages SET content = $1, updated_at = now() WHERE id = $2`, content, messageID); err != nil {
		return models.Message{}, err
	}
	return getMessage(ctx, s.pool, room, messageID)
}

// DeleteMessages removes the listed messages userID sent in room and
// returns the ids actually deleted. Ids of other senders are skipped.
func (s *ChatService) DeleteMessages(ctx context.Context, room, userID string, ids []string) ([]string, error) {
	ids = lo.Filter(lo.Uniq(ids), func(id string, _ int) bool {
		_, err := uuid.Parse(id)
		return err == nil
	})
	if len(ids) == 0 {
		return []string{}, nil
	}
	rows, err := s.pool.Query(ctx, `DELETE FROM messages WHERE room_id = $1 AND sender_id = $2 AND id = ANY($3::uuid[])
		RETURNING id::text`, room, userID, ids)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// ChatSummaries lists userID's rooms, most recently active first.
func (s *ChatService) ChatSummaries(ctx context.Context, userID string) ([]models.ChatSummary, error) {
	query := `
		SELECT r.id::text, r.type, r.name, r.updated_at, me.unread_count
		FROM rooms r
		JOIN room_participants me ON me.room_id = r.id AND me.user_id = $1
		ORDER BY r.updated_at DESC
	`
	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	summaries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ChatSummary, error) {
		var (
			c    models.ChatSummary
			kind string
		)
		err := row.Scan(&c.ID, &kind, &c.Name, &c.UpdatedAt, &c.UnreadCount)
		c.IsGroup = kind != "direct"
		return c, err
	})
	if err != nil {
		return nil, err
	}

	for i := range summaries {
		c := &summaries[i]
		rows, err := s.pool.Query(ctx, `SELECT u.id::text, u.username FROM room_participants p
			JOIN users u ON u.id = p.user_id WHERE p.room_id = $1 ORDER BY u.username`, c.ID)
		if err != nil {
			return nil, err
		}
		c.Participants, err = pgx.CollectRows(rows, pgx.RowToStructByPos[models.UserRef])
		if err != nil {
			return nil, err
		}
		if c.Name == "" && !c.IsGroup {
			if other, ok := lo.Find(c.Participants, func(u models.UserRef) bool { return u.ID != userID }); ok {
				c.Name = other.Username
			}
		}

		page, err := s.MessagesBefore(ctx, c.ID, "", 1)
		if err != nil {
			return nil, err
		}
		if len(page.Messages) == 1 {
			c.LastMessage = &page.Messages[0]
		}
	}
	return summaries, nil
}

func (s *ChatService) MarkRead(ctx context.Context, room, userID string) error {
	if _, err := uuid.Parse(room); err != nil {
		return ErrNotParticipant
	}
	tag, err := s.pool.Exec(ctx, `UPDATE room_participants SET unread_count = 0 WHERE room_id = $1 AND user_id = $2`, room, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotParticipant
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func getMessage(ctx context.Context, q querier, room, id string) (models.Message, error) {
	rows, err := q.Query(ctx, `SELECT `+messageColumns+` FROM messages m JOIN users u ON u.id = m.sender_id
		WHERE m.id = $1 AND m.room_id = $2`, id, room)
	if err != nil {
		return models.Message{}, err
	}
	msg, err := pgx.CollectExactlyOneRow(rows, scanMessage)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Message{}, ErrNotFound
	}
	return msg, err
}

func scanMessage(row pgx.CollectableRow) (models.Message, error) {
	var (
		msg         models.Message
		attachments []byte
	)
	err := row.Scan(&msg.ID, &msg.Room, &msg.Sender.ID, &msg.Sender.Username, &msg.Content, &attachments,
		&msg.ReplyToID, &msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		return models.Message{}, err
	}
	if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}
