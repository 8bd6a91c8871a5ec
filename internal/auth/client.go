package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/rickgao/realtime-bridge/internal/api"
)

// Authenticator is the set of auth calls the Bridge needs.
type Authenticator interface {
	SignIn(ctx context.Context, creds Creds) (*Session, error)
	Refresh(ctx context.Context, refreshToken string) (*Session, error)
	SignOut(ctx context.Context, accessToken string) error
}

// Client calls the auth service, e.g. http://127.0.0.1:54321/auth/v1.
type Client struct {
	rest   *api.Client
	logger *slog.Logger
}

// NewClient creates an auth client. anonKey is sent with every request.
func NewClient(endpoint, anonKey string, logger *slog.Logger, opts ...api.ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]api.ClientOption{api.WithLogger(logger)}, opts...)
	return &Client{
		rest:   api.NewClient(endpoint, anonKey, opts...),
		logger: logger,
	}
}

type credentialsBody struct {
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Password string `json:"password"`
}

func bodyFor(creds Creds) credentialsBody {
	if creds.IsEmail() {
		return credentialsBody{Email: creds.ID, Password: creds.Password}
	}
	return credentialsBody{Phone: creds.ID, Password: creds.Password}
}

// SignIn exchanges credentials for a session.
func (c *Client) SignIn(ctx context.Context, creds Creds) (*Session, error) {
	if err := creds.validate(); err != nil {
		return nil, err
	}

	var s Session
	query := url.Values{"grant_type": {"password"}}
	if err := c.rest.Post(ctx, "/token", query, bodyFor(creds), "", &s); err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	if s.AccessToken == "" {
		return nil, fmt.Errorf("sign in: %w", ErrInvalidToken)
	}

	c.logger.Info("signed in", "user_id", s.User.ID, "expires_in", s.ExpiresIn)
	return &s, nil
}

// Refresh exchanges a refresh token for a new session.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	if refreshToken == "" {
		return nil, ErrNoSession
	}

	var s Session
	query := url.Values{"grant_type": {"refresh_token"}}
	body := map[string]string{"refresh_token": refreshToken}
	if err := c.rest.Post(ctx, "/token", query, body, "", &s); err != nil {
		return nil, fmt.Errorf("refresh session: %w", err)
	}
	if s.AccessToken == "" {
		return nil, fmt.Errorf("refresh session: %w", ErrInvalidToken)
	}
	return &s, nil
}

// SignUp creates an account. When email confirmation is required the
// returned session has only its User set.
func (c *Client) SignUp(ctx context.Context, creds Creds) (*Session, error) {
	if err := creds.validate(); err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if err := c.rest.Post(ctx, "/signup", nil, bodyFor(creds), "", &raw); err != nil {
		return nil, fmt.Errorf("sign up: %w", err)
	}

	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("sign up: decode: %w", err)
	}
	if s.AccessToken == "" {
		if err := json.Unmarshal(raw, &s.User); err != nil {
			return nil, fmt.Errorf("sign up: decode user: %w", err)
		}
	}
	return &s, nil
}

// SignOut revokes the session of accessToken.
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	if accessToken == "" {
		return ErrNoSession
	}
	if err := c.rest.Post(ctx, "/logout", nil, nil, accessToken, nil); err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

// User fetches the account behind accessToken.
func (c *Client) User(ctx context.Context, accessToken string) (*User, error) {
	if accessToken == "" {
		return nil, ErrNoSession
	}

	var u User
	if err := c.rest.Do(ctx, api.Request{Method: http.MethodGet, Path: "/user", Bearer: accessToken}, &u); err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}
