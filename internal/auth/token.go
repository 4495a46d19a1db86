// Package auth issues and validates the JWTs that identify check-in actors:
// staffed agents get short-lived custom tokens, participants arrive with
// provider-issued identity tokens.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"checkpoint/internal/domain"
	"checkpoint/pkg/sentinel"
)

// Provider claim values. The transport maps them to redemption channels:
// a staff provider token redeems through the lobby, a self provider token
// through self check-in.
const (
	ProviderAgent = "custom"
	ProviderSelf  = "self_checkin"
)

// Claims carried by checkpoint-issued tokens.
type Claims struct {
	Email    string   `json:"email"`
	Roles    []string `json:"roles,omitempty"`
	Provider string   `json:"provider"`
	jwt.RegisteredClaims
}

// TokenService signs and validates HS256 tokens.
type TokenService struct {
	signingKey []byte
	issuer     string
	lifetime   time.Duration
	now        func() time.Time
}

func NewTokenService(signingKey string, lifetime time.Duration) (*TokenService, error) {
	if signingKey == "" {
		return nil, fmt.Errorf("jwt signing key: %w", sentinel.ErrInvalidInput)
	}
	return &TokenService{
		signingKey: []byte(signingKey),
		issuer:     "checkpoint",
		lifetime:   lifetime,
		now:        time.Now,
	}, nil
}

// IssueAgentToken mints a token for an authenticated check-in agent.
func (s *TokenService) IssueAgentToken(agent domain.Agent) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Email:    agent.User,
		Roles:    agent.Roles,
		Provider: ProviderAgent,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agent.User,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.lifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			ID:        uuid.NewString(),
		},
	})
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign agent token: %w", err)
	}
	return signed, nil
}

// IssueSelfToken mints a token that lets one participant self check-in.
func (s *TokenService) IssueSelfToken(email string) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Email:    email,
		Provider: ProviderSelf,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.lifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			ID:        uuid.NewString(),
		},
	})
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign self token: %w", err)
	}
	return signed, nil
}

// Validate checks the signature and expiry and returns the actor the token
// represents.
func (s *TokenService) Validate(tokenString string) (domain.Actor, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.Actor{}, fmt.Errorf("token expired: %w", sentinel.ErrUnavailable)
		}
		return domain.Actor{}, fmt.Errorf("invalid token: %w", sentinel.ErrUnavailable)
	}
	if !parsed.Valid {
		return domain.Actor{}, fmt.Errorf("invalid token: %w", sentinel.ErrUnavailable)
	}
	return domain.Actor{
		Identity: claims.Email,
		Roles:    claims.Roles,
		Provider: claims.Provider,
	}, nil
}
