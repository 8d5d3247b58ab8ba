package user

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/nandankmr/pulse-api/internal/auth"
)

// Directory adapts the user repository to the auth.UserDirectory contract so
// the external credential scheme can resolve provider identities into local
// user records.
type Directory struct {
	repo *Repository
}

func NewDirectory(repo *Repository) *Directory {
	return &Directory{repo: repo}
}

func toRecord(u *User) *auth.UserRecord {
	return &auth.UserRecord{
		ID:              u.ID,
		Username:        u.Username,
		Email:           u.Email,
		DisplayName:     u.DisplayName,
		ProviderSubject: u.ProviderSubject,
		EmailVerified:   u.EmailVerified,
	}
}

func (d *Directory) FindByProviderSubject(ctx context.Context, subject string) (*auth.UserRecord, error) {
	u, err := d.repo.GetUserByProviderSubject(ctx, subject)
	if err != nil {
		return nil, err
	}
	return toRecord(u), nil
}

func (d *Directory) FindByEmail(ctx context.Context, email string) (*auth.UserRecord, error) {
	u, err := d.repo.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	return toRecord(u), nil
}

func (d *Directory) AttachProviderSubject(ctx context.Context, userID, subject string) error {
	return d.repo.AttachProviderSubject(ctx, userID, subject)
}

func (d *Directory) MarkEmailVerified(ctx context.Context, userID string) error {
	return d.repo.MarkEmailVerified(ctx, userID)
}

func (d *Directory) CreateFromProvider(ctx context.Context, rec *auth.UserRecord) (*auth.UserRecord, error) {
	username := rec.Username
	if username == "" {
		username = rec.ProviderSubject
	}
	u := &User{
		Username:        username,
		Email:           rec.Email,
		DisplayName:     rec.DisplayName,
		ProviderSubject: rec.ProviderSubject,
		EmailVerified:   rec.EmailVerified,
	}
	created, err := d.repo.CreateUser(ctx, u)
	if err == nil {
		return toRecord(created), nil
	}

	// Username collisions are likely when it was derived from an email; retry
	// once with a random suffix.
	if errors.Is(err, ErrUsernameTaken) {
		u.Username = username + "-" + uuid.NewString()[:8]
		if created, err = d.repo.CreateUser(ctx, u); err == nil {
			return toRecord(created), nil
		}
	}
	return nil, err
}
