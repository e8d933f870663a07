package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"subteksto/internal/config"
)

// TokenSource mints short-lived bearer tokens for the cloud session.
// Credential management itself is an external concern; the backend only
// asks for the next token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a pre-issued bearer, used by tests and by operators who
// mint tokens out of band.
type StaticToken string

func (t StaticToken) Token(ctx context.Context) (string, error) { return string(t), nil }

// authRejectedError marks a token mint refused with 401/403: the
// long-lived key is bad and retrying cannot help.
type authRejectedError struct {
	status int
	body   string
}

func (e *authRejectedError) Error() string {
	return fmt.Sprintf("token endpoint rejected the API key (HTTP %d): %s", e.status, e.body)
}

const defaultTokenEndpoint = "https://mp.speechmatics.com/v1/api_keys"

// managementTokenSource exchanges the long-lived API key for a
// short-lived realtime JWT at the vendor management endpoint.
type managementTokenSource struct {
	endpoint string
	apiKey   string
	ttl      int
	region   string
	client   *http.Client
}

func newManagementTokenSource(cfg *config.Config) *managementTokenSource {
	endpoint := cfg.Cloud.AuthURL
	if endpoint == "" {
		endpoint = defaultTokenEndpoint
	}
	ttl := cfg.Cloud.TokenTTLSeconds
	if ttl <= 0 {
		ttl = 3600
	}
	return &managementTokenSource{
		endpoint: endpoint,
		apiKey:   cfg.Cloud.APIKey,
		ttl:      ttl,
		region:   inferRegion(cfg.Cloud.ConnectionURL),
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (m *managementTokenSource) Token(ctx context.Context) (string, error) {
	u, err := url.Parse(m.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("type", "rt")
	u.RawQuery = q.Encode()

	payload, _ := json.Marshal(map[string]any{"ttl": m.ttl, "region": m.region})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &authRejectedError{status: resp.StatusCode, body: snippet(body)}
	default:
		return "", fmt.Errorf("token exchange: HTTP %d: %s", resp.StatusCode, snippet(body))
	}

	var out struct {
		KeyValue string `json:"key_value"`
		Token    string `json:"token"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("token exchange: decode response: %w", err)
	}
	tok := out.KeyValue
	if tok == "" {
		tok = out.Token
	}
	if tok == "" {
		return "", errors.New("token exchange: response carried no token")
	}
	return tok, nil
}

// inferRegion maps the realtime host prefix onto the token region field.
func inferRegion(connectionURL string) string {
	u, err := url.Parse(connectionURL)
	if err != nil || u.Hostname() == "" {
		return "eu"
	}
	prefix := strings.ToLower(strings.SplitN(u.Hostname(), ".", 2)[0])
	for _, r := range []string{"eu", "us", "ca", "ap"} {
		if strings.HasPrefix(prefix, r) {
			return r
		}
	}
	return "eu"
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
