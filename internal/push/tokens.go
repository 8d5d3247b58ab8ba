package push

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

type TokenRepository struct {
	db *sql.DB
}

func NewTokenRepository(db *sql.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// Register upserts a device token for a user. A token re-registered from
// another account moves to the new owner.
func (r *TokenRepository) Register(ctx context.Context, userID, token, platform string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO device_tokens (token, user_id, platform)
         VALUES ($1, $2, $3)
         ON CONFLICT (token) DO UPDATE SET user_id = EXCLUDED.user_id, platform = EXCLUDED.platform`,
		token, userID, platform)
	if err != nil {
		return fmt.Errorf("register device token: %w", err)
	}
	return nil
}

// Remove deletes a token only if it belongs to the calling user.
func (r *TokenRepository) Remove(ctx context.Context, userID, token string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM device_tokens WHERE token = $1 AND user_id = $2`, token, userID)
	if err != nil {
		return fmt.Errorf("remove device token: %w", err)
	}
	return nil
}

func (r *TokenRepository) ListTokens(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT token FROM device_tokens WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("list device tokens: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (r *TokenRepository) DeleteTokens(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	placeholders := make([]string, len(tokens))
	args := make([]any, len(tokens))
	for i, t := range tokens {
		placeholders[i] = "$" + strconv.Itoa(i+1)
		args[i] = t
	}
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM device_tokens WHERE token IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return fmt.Errorf("delete device tokens: %w", err)
	}
	return nil
}
