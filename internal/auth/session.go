package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors
var (
	ErrMissingCredentials = errors.New("identifier and password are required")
	ErrNoSession          = errors.New("no active session")
	ErrInvalidToken       = errors.New("invalid token")
)

// Creds identifies a user. ID is an email address when it contains "@",
// a phone number otherwise.
type Creds struct {
	ID       string
	Password string
}

// IsEmail reports whether ID is an email address.
func (c Creds) IsEmail() bool {
	return strings.Contains(c.ID, "@")
}

func (c Creds) validate() error {
	if strings.TrimSpace(c.ID) == "" || c.Password == "" {
		return ErrMissingCredentials
	}
	return nil
}

// User is the account returned by the auth service.
type User struct {
	ID           string         `json:"id"`
	Aud          string         `json:"aud"`
	Role         string         `json:"role"`
	Email        string         `json:"email,omitempty"`
	Phone        string         `json:"phone,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	LastSignInAt *time.Time     `json:"last_sign_in_at,omitempty"`
	AppMetadata  map[string]any `json:"app_metadata,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
}

// Session is a signed-in user's token pair.
type Session struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	RefreshToken string `json:"refresh_token"`
	User         User   `json:"user"`
}

// Expiry returns when the access token expires. The expires_at field is
// preferred, then the token's exp claim, then issuedAt+expires_in.
func (s Session) Expiry(issuedAt time.Time) time.Time {
	if s.ExpiresAt > 0 {
		return time.Unix(s.ExpiresAt, 0)
	}
	if claims, err := ParseClaims(s.AccessToken, nil); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return issuedAt.Add(time.Duration(s.ExpiresIn) * time.Second)
}

// Claims are the access token claims the auth service issues.
type Claims struct {
	Role      string `json:"role"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	jwt.RegisteredClaims
}

// ParseClaims decodes token. With a nil secret the signature is not checked,
// which is enough to read expiry and subject; the server verifies tokens.
// With a secret the token must be a valid HS256 JWT.
func ParseClaims(token string, secret []byte) (*Claims, error) {
	claims := &Claims{}

	if secret == nil {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		return claims, nil
	}

	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
