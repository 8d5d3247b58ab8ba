package message

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nandankmr/pulse-api/internal/apperr"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// canonicalPair orders a direct pair so the lexicographically smaller id
// always lands in the first slot. Repeated sends between the same two users
// resolve the same conversation row no matter who initiates.
func canonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

func (r *Repository) FindOrCreateDirectConversation(ctx context.Context, userA, userB string) (string, error) {
	a, b := canonicalPair(userA, userB)
	// The no-op DO UPDATE makes RETURNING yield the existing row on conflict.
	query := `INSERT INTO conversations (id, user_a, user_b) VALUES ($1, $2, $3)
	          ON CONFLICT (user_a, user_b) DO UPDATE SET user_a = EXCLUDED.user_a
	          RETURNING id`
	var id string
	if err := r.db.QueryRowContext(ctx, query, uuid.NewString(), a, b).Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}

func (r *Repository) CreateMessage(ctx context.Context, m *Message) error {
	query := `INSERT INTO messages
	          (id, sender_id, receiver_id, group_id, conversation_id, type, content, media_url,
	           location_lat, location_lng, system_event, metadata, actor_id, target_id, created_at)
	          VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12, NULLIF($13, ''), NULLIF($14, ''), $15)`

	var lat, lng any
	if m.Location != nil {
		lat, lng = m.Location.Lat, m.Location.Lng
	}
	var metadata any
	if len(m.Metadata) > 0 {
		metadata = []byte(m.Metadata)
	}
	_, err := r.db.ExecContext(ctx, query,
		m.ID, m.SenderID, m.ReceiverID, m.GroupID, m.ConversationID, string(m.Type), m.Content, m.MediaURL,
		lat, lng, m.SystemEvent, metadata, m.ActorID, m.TargetID, m.CreatedAt)
	return err
}

const messageColumns = `id, sender_id, COALESCE(receiver_id, ''), COALESCE(group_id, ''), COALESCE(conversation_id, ''),
	type, content, media_url, location_lat, location_lng, system_event, metadata,
	COALESCE(actor_id, ''), COALESCE(target_id, ''), created_at, edited_at, deleted_at, COALESCE(deleted_by, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	m := &Message{}
	var (
		typ      string
		lat, lng sql.NullFloat64
		metadata []byte
		editedAt sql.NullTime
		deleted  sql.NullTime
	)
	err := row.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.GroupID, &m.ConversationID,
		&typ, &m.Content, &m.MediaURL, &lat, &lng, &m.SystemEvent, &metadata,
		&m.ActorID, &m.TargetID, &m.CreatedAt, &editedAt, &deleted, &m.DeletedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("message not found")
		}
		return nil, err
	}
	m.Type = Type(typ)
	if lat.Valid && lng.Valid {
		m.Location = &Location{Lat: lat.Float64, Lng: lng.Float64}
	}
	if len(metadata) > 0 {
		m.Metadata = metadata
	}
	if editedAt.Valid {
		t := editedAt.Time
		m.EditedAt = &t
	}
	if deleted.Valid {
		t := deleted.Time
		m.DeletedAt = &t
	}
	return m, nil
}

func (r *Repository) GetMessage(ctx context.Context, id string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	return scanMessage(r.db.QueryRowContext(ctx, query, id))
}

func (r *Repository) UpdateContent(ctx context.Context, id, content string, editedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE messages SET content = $2, edited_at = $3 WHERE id = $1`, id, content, editedAt)
	return err
}

func (r *Repository) MarkDeleted(ctx context.Context, id, deletedBy string, deletedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE messages SET deleted_at = $2, deleted_by = $3 WHERE id = $1 AND deleted_at IS NULL`,
		id, deletedAt, deletedBy)
	return err
}

func (r *Repository) ListGroupMemberIDs(ctx context.Context, groupID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id FROM group_members WHERE group_id = $1`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListGroupIDsForUser backs the auto-join at connect time.
func (r *Repository) ListGroupIDsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT group_id FROM group_members WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) UpsertReceipt(ctx context.Context, messageID, userID string, status ReceiptStatus) error {
	// The WHERE guard keeps READ terminal: a late DELIVERED upsert never
	// downgrades it, and re-marking READ is a no-op.
	query := `INSERT INTO receipts (message_id, user_id, status) VALUES ($1, $2, $3)
	          ON CONFLICT (message_id, user_id) DO UPDATE
	          SET status = EXCLUDED.status, updated_at = CURRENT_TIMESTAMP
	          WHERE receipts.status <> 'READ'`
	_, err := r.db.ExecContext(ctx, query, messageID, userID, string(status))
	return err
}

func (r *Repository) ListConversationMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
	          WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT $2`
	return r.listMessages(ctx, query, conversationID, limit)
}

func (r *Repository) ListGroupMessages(ctx context.Context, groupID string, limit int) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
	          WHERE group_id = $1 ORDER BY created_at DESC LIMIT $2`
	return r.listMessages(ctx, query, groupID, limit)
}

func (r *Repository) listMessages(ctx context.Context, query, scopeID string, limit int) ([]*Message, error) {
	rows, err := r.db.QueryContext(ctx, query, scopeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (r *Repository) CountReceipts(ctx context.Context, f ReceiptFilter) (int, error) {
	query := `SELECT COUNT(*) FROM receipts rc JOIN messages m ON m.id = rc.message_id WHERE 1=1`
	args := []any{}
	n := 0
	add := func(clause string, v any) {
		n++
		args = append(args, v)
		query += clause + "$" + strconv.Itoa(n)
	}
	if f.UserID != "" {
		add(` AND rc.user_id = `, f.UserID)
	}
	if f.Status != "" {
		add(` AND rc.status = `, string(f.Status))
	}
	if f.ConversationID != "" {
		add(` AND m.conversation_id = `, f.ConversationID)
	}
	if f.GroupID != "" {
		add(` AND m.group_id = `, f.GroupID)
	}
	if f.ExcludeSentBy != "" {
		add(` AND m.sender_id <> `, f.ExcludeSentBy)
	}

	var count int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// --- group fixtures for the minimal group surface ---

func (r *Repository) CreateGroup(ctx context.Context, name, createdBy string) (string, error) {
	id := uuid.NewString()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO groups (id, name, created_by) VALUES ($1, $2, $3)`, id, name, createdBy)
	if err != nil {
		return "", err
	}
	return id, r.AddGroupMember(ctx, id, createdBy)
}

func (r *Repository) AddGroupMember(ctx context.Context, groupID, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO group_members (group_id, user_id) VALUES ($1, $2)
		 ON CONFLICT (group_id, user_id) DO NOTHING`, groupID, userID)
	return err
}
