package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/nandankmr/pulse-api/internal/apperr"
	"github.com/nandankmr/pulse-api/internal/config"
)

// Identity is the authenticated principal attached to a connection or
// request after the credential has been verified.
type Identity struct {
	UserID      string `json:"userId"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

type Claims struct {
	DisplayName string `json:"name,omitempty"`
	Email       string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// UserRecord is the slice of a local user the authenticator needs when
// resolving an external-provider identity.
type UserRecord struct {
	ID              string
	Username        string
	Email           string
	DisplayName     string
	ProviderSubject string
	EmailVerified   bool
}

// UserDirectory is the store the external scheme resolves identities into.
// Lookups return apperr.NotFound when no record matches.
type UserDirectory interface {
	FindByProviderSubject(ctx context.Context, subject string) (*UserRecord, error)
	FindByEmail(ctx context.Context, email string) (*UserRecord, error)
	AttachProviderSubject(ctx context.Context, userID, subject string) error
	MarkEmailVerified(ctx context.Context, userID string) error
	CreateFromProvider(ctx context.Context, rec *UserRecord) (*UserRecord, error)
}

// ProviderIdentity is what a third-party provider asserts about a token.
type ProviderIdentity struct {
	Subject       string
	Email         string
	Name          string
	EmailVerified bool
}

type ProviderVerifier interface {
	Verify(ctx context.Context, token string) (ProviderIdentity, error)
}

// Authenticator validates the bearer credential presented at connection time
// (or on a REST request) and resolves it to an Identity. The same instance
// backs both the websocket handshake and the HTTP middleware.
type Authenticator struct {
	provider string
	secret   string
	verifier ProviderVerifier
	users    UserDirectory
	log      *zap.SugaredLogger
}

func NewAuthenticator(provider, secret string, verifier ProviderVerifier, users UserDirectory, log *zap.SugaredLogger) *Authenticator {
	return &Authenticator{
		provider: provider,
		secret:   secret,
		verifier: verifier,
		users:    users,
		log:      log,
	}
}

func (a *Authenticator) Authenticate(ctx context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, apperr.Unauthorized("missing authentication token")
	}
	switch a.provider {
	case config.ProviderExternal:
		return a.authenticateExternal(ctx, credential)
	default:
		return a.authenticateLocal(credential)
	}
}

func (a *Authenticator) authenticateLocal(credential string) (Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(a.secret), nil
	})
	if err != nil || !token.Valid {
		return Identity{}, apperr.Unauthorized("invalid token")
	}
	if claims.Subject == "" {
		return Identity{}, apperr.Unauthorized("invalid token")
	}
	return Identity{
		UserID:      claims.Subject,
		Email:       claims.Email,
		DisplayName: claims.DisplayName,
	}, nil
}

func (a *Authenticator) authenticateExternal(ctx context.Context, credential string) (Identity, error) {
	if a.verifier == nil {
		return Identity{}, apperr.Unauthorized("auth provider not configured")
	}
	pi, err := a.verifier.Verify(ctx, credential)
	if err != nil {
		return Identity{}, apperr.Unauthorized("provider verification failed")
	}

	rec, err := a.resolveLocalUser(ctx, pi)
	if err != nil {
		return Identity{}, err
	}
	name := rec.DisplayName
	if name == "" {
		name = pi.Name
	}
	return Identity{UserID: rec.ID, Email: rec.Email, DisplayName: name}, nil
}

// resolveLocalUser maps a provider identity to a local user record: by
// provider subject first, then by verified email (attaching the subject to
// the match), otherwise creating a fresh record. A provider-verified email
// promotes the local verified flag; it is never demoted.
func (a *Authenticator) resolveLocalUser(ctx context.Context, pi ProviderIdentity) (*UserRecord, error) {
	rec, err := a.users.FindByProviderSubject(ctx, pi.Subject)
	switch {
	case err == nil:
		if pi.EmailVerified && !rec.EmailVerified {
			if err := a.users.MarkEmailVerified(ctx, rec.ID); err != nil {
				a.log.Warnw("failed to promote email_verified", "user", rec.ID, "err", err)
			} else {
				rec.EmailVerified = true
			}
		}
		return rec, nil
	case !apperr.IsNotFound(err):
		return nil, err
	}

	if pi.EmailVerified && pi.Email != "" {
		rec, err = a.users.FindByEmail(ctx, pi.Email)
		switch {
		case err == nil:
			if err := a.users.AttachProviderSubject(ctx, rec.ID, pi.Subject); err != nil {
				return nil, err
			}
			rec.ProviderSubject = pi.Subject
			if !rec.EmailVerified {
				if err := a.users.MarkEmailVerified(ctx, rec.ID); err != nil {
					a.log.Warnw("failed to promote email_verified", "user", rec.ID, "err", err)
				} else {
					rec.EmailVerified = true
				}
			}
			return rec, nil
		case !apperr.IsNotFound(err):
			return nil, err
		}
	}

	return a.users.CreateFromProvider(ctx, &UserRecord{
		Username:        usernameForProvider(pi),
		Email:           pi.Email,
		DisplayName:     pi.Name,
		ProviderSubject: pi.Subject,
		EmailVerified:   pi.EmailVerified,
	})
}

func usernameForProvider(pi ProviderIdentity) string {
	if pi.Email != "" {
		if at := strings.IndexByte(pi.Email, '@'); at > 0 {
			return pi.Email[:at]
		}
	}
	return pi.Subject
}

// IssueToken mints a self-signed HS256 token for the local scheme. The user
// id travels in the subject claim.
func IssueToken(secret string, id Identity, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		DisplayName: id.DisplayName,
		Email:       id.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "pulse-api",
			Subject:   id.UserID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	})
	return token.SignedString([]byte(secret))
}

// CredentialFromRequest extracts the bearer credential from a handshake or
// REST request: Authorization header, then the token query parameter, then a
// "bearer, <token>" websocket subprotocol pair. First non-empty wins.
func CredentialFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	for _, h := range r.Header.Values("Sec-WebSocket-Protocol") {
		var fields []string
		for _, f := range strings.Split(h, ",") {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
		for i, f := range fields {
			if strings.EqualFold(f, "bearer") && i+1 < len(fields) {
				return fields[i+1]
			}
		}
	}
	return ""
}
