package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkpoint/internal/domain"
	"checkpoint/internal/store/memory"
	"checkpoint/pkg/sentinel"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newTokens(t *testing.T) *TokenService {
	t.Helper()
	tokens, err := NewTokenService("test-signing-key", time.Hour)
	require.NoError(t, err)
	return tokens
}

func TestAgentTokenRoundTrip(t *testing.T) {
	tokens := newTokens(t)

	signed, err := tokens.IssueAgentToken(domain.Agent{
		User:    "desk-1",
		Roles:   []string{"staff"},
		Enabled: true,
	})
	require.NoError(t, err)

	actor, err := tokens.Validate(signed)
	require.NoError(t, err)
	assert.Equal(t, "desk-1", actor.Identity)
	assert.True(t, actor.HasRole("staff"))
	assert.Equal(t, ProviderAgent, actor.Provider)
}

func TestSelfTokenCarriesSelfProvider(t *testing.T) {
	tokens := newTokens(t)
	signed, err := tokens.IssueSelfToken("ana@example.com")
	require.NoError(t, err)

	actor, err := tokens.Validate(signed)
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", actor.Identity)
	assert.Equal(t, ProviderSelf, actor.Provider)
	assert.Empty(t, actor.Roles)
}

func TestExpiredTokenIsRejected(t *testing.T) {
	tokens := newTokens(t)
	signed, err := tokens.IssueAgentToken(domain.Agent{User: "desk-1"})
	require.NoError(t, err)

	tokens.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = tokens.Validate(signed)
	assert.ErrorIs(t, err, sentinel.ErrUnavailable)
}

func TestForeignKeyIsRejected(t *testing.T) {
	tokens := newTokens(t)
	other, err := NewTokenService("different-key", time.Hour)
	require.NoError(t, err)

	signed, err := other.IssueAgentToken(domain.Agent{User: "desk-1"})
	require.NoError(t, err)
	_, err = tokens.Validate(signed)
	assert.ErrorIs(t, err, sentinel.ErrUnavailable)
}

func hashedPin(t *testing.T, pin string) string {
	t.Helper()
	hash, err := HashPin(pin)
	require.NoError(t, err)
	return hash
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.Agents().Save(ctx, domain.Agent{
		User:    "desk-1",
		PinHash: hashedPin(t, "4321"),
		Roles:   []string{"staff"},
		Enabled: true,
	}))
	require.NoError(t, st.Agents().Save(ctx, domain.Agent{
		User:    "desk-2",
		PinHash: hashedPin(t, "0000"),
		Enabled: false,
	}))

	tokens := newTokens(t)
	authn := NewAuthenticator(st.Agents(), tokens, testLogger())

	signed, err := authn.Authenticate(ctx, "desk-1", "4321")
	require.NoError(t, err)
	actor, err := tokens.Validate(signed)
	require.NoError(t, err)
	assert.Equal(t, "desk-1", actor.Identity)

	_, err = authn.Authenticate(ctx, "desk-1", "9999")
	assert.ErrorIs(t, err, sentinel.ErrUnavailable)

	_, err = authn.Authenticate(ctx, "ghost", "4321")
	assert.ErrorIs(t, err, sentinel.ErrUnavailable)

	_, err = authn.Authenticate(ctx, "desk-2", "0000")
	assert.ErrorIs(t, err, sentinel.ErrUnavailable)

	_, err = authn.Authenticate(ctx, "", "")
	assert.ErrorIs(t, err, sentinel.ErrInvalidInput)
}

func TestPinHashRoundTrip(t *testing.T) {
	hash := hashedPin(t, "4321")
	assert.NotEqual(t, "4321", hash)
	assert.NoError(t, VerifyPin("4321", hash))
	assert.ErrorIs(t, VerifyPin("9999", hash), sentinel.ErrUnavailable)

	_, err := HashPin("")
	assert.ErrorIs(t, err, sentinel.ErrInvalidInput)
}

func TestAgentDocumentNeverCarriesCredentials(t *testing.T) {
	agent := domain.Agent{
		User:    "desk-1",
		PinHash: hashedPin(t, "4321"),
		Roles:   []string{"staff"},
		Enabled: true,
	}
	doc, err := json.Marshal(agent)
	require.NoError(t, err)
	assert.NotContains(t, string(doc), "pin")
	assert.NotContains(t, string(doc), agent.PinHash)
}
