package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"checkpoint/internal/store"
	"checkpoint/pkg/sentinel"
)

// Authenticator trades agent credentials (user + pin) for a signed token.
type Authenticator struct {
	agents store.AgentStore
	tokens *TokenService
	logger *slog.Logger
}

func NewAuthenticator(agents store.AgentStore, tokens *TokenService, logger *slog.Logger) *Authenticator {
	return &Authenticator{agents: agents, tokens: tokens, logger: logger}
}

// Authenticate validates the pin against the stored agent and issues a token.
// Unknown user and wrong pin are indistinguishable to the caller.
func (a *Authenticator) Authenticate(ctx context.Context, user, pin string) (string, error) {
	if user == "" || pin == "" {
		return "", fmt.Errorf("missing user or pin: %w", sentinel.ErrInvalidInput)
	}

	agent, err := a.agents.Get(ctx, user)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			a.logger.Warn("authentication for unknown agent", "user", user)
			return "", fmt.Errorf("invalid credentials: %w", sentinel.ErrUnavailable)
		}
		return "", err
	}

	if err := VerifyPin(pin, agent.PinHash); err != nil {
		a.logger.Warn("authentication with wrong pin", "user", user)
		return "", fmt.Errorf("invalid credentials: %w", sentinel.ErrUnavailable)
	}
	if !agent.Enabled {
		a.logger.Warn("authentication for disabled agent", "user", user)
		return "", fmt.Errorf("agent disabled: %w", sentinel.ErrUnavailable)
	}

	token, err := a.tokens.IssueAgentToken(agent)
	if err != nil {
		return "", err
	}
	a.logger.Info("agent authenticated", "user", user)
	return token, nil
}
