/**
 * @description
 * Client for the backend's /auth endpoints. These calls do not go through the
 * gateway: login, register and refresh are unauthenticated, and logout carries
 * the token it revokes.
 */
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/suriyaganapathi/Ai-Loan-Call/internal/domain"
)

// Credentials is the body of login and register.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// User is the profile returned with a login.
type User struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// LoginResult is a successful login.
type LoginResult struct {
	Tokens    domain.TokenPair
	TokenType string
	User      User
}

// VerifyResult is the response of GET /auth/verify.
type VerifyResult struct {
	Status string `json:"status"`
	User   string `json:"user"`
	Role   string `json:"role"`
}

// tokenResponse accepts both the snake_case and camelCase spellings.
type tokenResponse struct {
	AccessToken       string `json:"access_token"`
	AccessTokenCamel  string `json:"accessToken"`
	RefreshToken      string `json:"refresh_token"`
	RefreshTokenCamel string `json:"refreshToken"`
	TokenType         string `json:"token_type"`
	User              User   `json:"user"`
}

func (t tokenResponse) pair() domain.TokenPair {
	pair := domain.TokenPair{AccessToken: t.AccessToken, RefreshToken: t.RefreshToken}
	if pair.AccessToken == "" {
		pair.AccessToken = t.AccessTokenCamel
	}
	if pair.RefreshToken == "" {
		pair.RefreshToken = t.RefreshTokenCamel
	}
	return pair
}

// Client provides methods to interact with the auth endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new auth client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Login exchanges credentials for a token pair.
func (c *Client) Login(ctx context.Context, creds Credentials) (*LoginResult, error) {
	var resp tokenResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", nil, creds, "", &resp); err != nil {
		return nil, err
	}

	pair := resp.pair()
	if pair.AccessToken == "" {
		return nil, fmt.Errorf("login response carried no access token")
	}
	return &LoginResult{Tokens: pair, TokenType: resp.TokenType, User: resp.User}, nil
}

// Register creates an account. It never signs the user in.
func (c *Client) Register(ctx context.Context, creds Credentials) error {
	return c.do(ctx, http.MethodPost, "/auth/register", nil, creds, "", nil)
}

// Refresh exchanges a refresh token for a new access token. The token is sent in
// the query string, where the backend reads it, and in the body.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (domain.TokenPair, error) {
	query := url.Values{"refresh_token": {refreshToken}}
	body := map[string]string{"refresh_token": refreshToken}

	var resp tokenResponse
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", query, body, "", &resp); err != nil {
		return domain.TokenPair{}, err
	}
	return resp.pair(), nil
}

// Logout revokes the tokens of the user owning accessToken.
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", nil, nil, accessToken, nil)
}

// Verify checks accessToken without renewing it.
func (c *Client) Verify(ctx context.Context, accessToken string) (*VerifyResult, error) {
	var resp VerifyResult
	if err := c.do(ctx, http.MethodGet, "/auth/verify", nil, nil, accessToken, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, bearer string, target any) error {
	if c.baseURL == "" {
		return fmt.Errorf("backend base URL is not configured")
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &domain.NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	if err := CheckResponse(resp); err != nil {
		return err
	}
	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// CheckResponse turns a non-2xx response into a *domain.HTTPError carrying the
// server's detail message when one can be read.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return &domain.HTTPError{Status: resp.StatusCode, Detail: detailFrom(raw)}
}

func detailFrom(raw []byte) string {
	var body struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	if len(body.Detail) > 0 {
		var text string
		if err := json.Unmarshal(body.Detail, &text); err == nil {
			return text
		}
		// Validation errors arrive as a list of {msg, loc}.
		var items []struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(body.Detail, &items); err == nil && len(items) > 0 {
			msgs := make([]string, 0, len(items))
			for _, item := range items {
				msgs = append(msgs, item.Msg)
			}
			return strings.Join(msgs, "; ")
		}
	}
	return body.Message
}
