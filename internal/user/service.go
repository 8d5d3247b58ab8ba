package user

import (
	"context"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/nandankmr/pulse-api/internal/apperr"
	"github.com/nandankmr/pulse-api/internal/auth"
)

const tokenTTL = 24 * time.Hour

type Service struct {
	repo      *Repository
	jwtSecret string
}

func NewService(repo *Repository, secret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: secret,
	}
}

func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*User, error) {
	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	u := &User{
		Username:    req.Username,
		Password:    string(hashedPwd),
		Email:       req.Email,
		DisplayName: req.DisplayName,
	}

	created, err := s.repo.CreateUser(ctx, u)
	if err != nil {
		return nil, err
	}
	created.Password = ""
	return created, nil
}

func (s *Service) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	u, err := s.repo.GetUserByUsername(ctx, req.Username)
	if err != nil {
		return nil, apperr.Unauthorized("invalid credentials")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)); err != nil {
		return nil, apperr.Unauthorized("invalid credentials")
	}

	token, err := auth.IssueToken(s.jwtSecret, auth.Identity{
		UserID:      u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
	}, tokenTTL)
	if err != nil {
		return nil, err
	}

	return &LoginResponse{
		AccessToken: token,
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
	}, nil
}

func (s *Service) SearchUsers(ctx context.Context, query string) ([]User, error) {
	return s.repo.SearchUsers(ctx, query)
}
