package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// TokenInfoVerifier verifies provider-issued tokens against a token-info
// endpoint (google-style: GET <url>?id_token=<token> returning the asserted
// claims as JSON).
type TokenInfoVerifier struct {
	endpoint string
	client   *http.Client
}

func NewTokenInfoVerifier(endpoint string) *TokenInfoVerifier {
	return &TokenInfoVerifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type tokenInfoResponse struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Error         string `json:"error"`
}

func (v *TokenInfoVerifier) Verify(ctx context.Context, token string) (ProviderIdentity, error) {
	u := v.endpoint + "?id_token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ProviderIdentity{}, err
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return ProviderIdentity{}, fmt.Errorf("token info request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ProviderIdentity{}, fmt.Errorf("token info returned %d", resp.StatusCode)
	}

	var info tokenInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return ProviderIdentity{}, fmt.Errorf("token info decode: %w", err)
	}
	if info.Error != "" {
		return ProviderIdentity{}, fmt.Errorf("token rejected: %s", info.Error)
	}
	if info.Subject == "" {
		return ProviderIdentity{}, fmt.Errorf("token info missing subject")
	}
	return ProviderIdentity{
		Subject:       info.Subject,
		Email:         info.Email,
		EmailVerified: info.EmailVerified,
		Name:          info.Name,
	}, nil
}
