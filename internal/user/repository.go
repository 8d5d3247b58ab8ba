package user

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nandankmr/pulse-api/internal/apperr"
)

// ErrUsernameTaken is returned by CreateUser when the username collides with
// an existing row.
var ErrUsernameTaken = apperr.Validation("username already taken")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const userColumns = `id, username, password, COALESCE(email, ''), display_name, COALESCE(provider_subject, ''), email_verified, created_at`

func scanUser(row *sql.Row) (*User, error) {
	u := &User{}
	err := row.Scan(&u.ID, &u.Username, &u.Password, &u.Email, &u.DisplayName, &u.ProviderSubject, &u.EmailVerified, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("user not found")
		}
		return nil, err
	}
	return u, nil
}

func (r *Repository) CreateUser(ctx context.Context, u *User) (*User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	query := `INSERT INTO users (id, username, password, email, display_name, provider_subject, email_verified)
	          VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''), $7)`
	_, err := r.db.ExecContext(ctx, query, u.ID, u.Username, u.Password, u.Email, u.DisplayName, u.ProviderSubject, u.EmailVerified)
	if err != nil {
		return nil, mapInsertError(err)
	}
	return u, nil
}

// mapInsertError turns the username unique violation into the typed error
// handlers can map to a client-facing status instead of a 500.
func mapInsertError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "users_username_key" {
		return ErrUsernameTaken
	}
	return err
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE username = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, username))
}

func (r *Repository) GetUserByID(ctx context.Context, id string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, id))
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, email))
}

func (r *Repository) GetUserByProviderSubject(ctx context.Context, subject string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE provider_subject = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, subject))
}

func (r *Repository) AttachProviderSubject(ctx context.Context, userID, subject string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET provider_subject = $2 WHERE id = $1`, userID, subject)
	return err
}

func (r *Repository) MarkEmailVerified(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET email_verified = TRUE WHERE id = $1`, userID)
	return err
}

func (r *Repository) SearchUsers(ctx context.Context, query string) ([]User, error) {
	// Limit to 10 to keep it fast.
	q := `SELECT id, username, display_name FROM users WHERE username ILIKE $1 LIMIT 10`
	rows, err := r.db.QueryContext(ctx, q, "%"+query+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
