package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loomctl/internal/db"
	"loomctl/internal/db/repositories"
	"loomctl/pkg/models"
)

func newTestGate(t *testing.T, secret string) (*Gate, *repositories.TokenRepo) {
	t.Helper()
	tdb, err := db.NewTest(t)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tdb.Close() })
	tokens := repositories.NewTokenRepo(tdb.Conn())
	return NewGate(tokens, secret), tokens
}

func TestGate_Authenticate_OpaqueAPIToken(t *testing.T) {
	gate, tokens := newTestGate(t, "test-secret")
	ctx := context.Background()

	raw, hash, err := GenerateAPIToken()
	require.NoError(t, err)
	require.NoError(t, tokens.Create(ctx, "tok-1", hash, "principal-1", "alice"))

	p, err := gate.Authenticate(ctx, "Bearer "+raw)
	require.NoError(t, err)
	assert.Equal(t, "principal-1", p.ID)
	assert.Equal(t, "alice", p.Name)
}

func TestGate_Authenticate_UnknownAPIToken(t *testing.T) {
	gate, _ := newTestGate(t, "test-secret")
	_, err := gate.Authenticate(context.Background(), "Bearer loomctl_doesnotexist")
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestGate_Authenticate_MissingHeader(t *testing.T) {
	gate, _ := newTestGate(t, "test-secret")
	_, err := gate.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestGate_Authenticate_SessionToken(t *testing.T) {
	gate, _ := newTestGate(t, "test-secret")
	principal := &models.Principal{ID: "principal-2", Name: "bob"}

	token, err := gate.IssueSessionToken(principal, time.Now().Add(time.Hour))
	require.NoError(t, err)

	p, err := gate.Authenticate(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "principal-2", p.ID)
	assert.Equal(t, "bob", p.Name)
}

func TestGate_Authenticate_ExpiredSessionToken(t *testing.T) {
	gate, _ := newTestGate(t, "test-secret")
	principal := &models.Principal{ID: "principal-3", Name: "carol"}

	token, err := gate.IssueSessionToken(principal, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	_, err = gate.Authenticate(context.Background(), "Bearer "+token)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestGate_Authenticate_SessionTokenWrongSecret(t *testing.T) {
	gate, _ := newTestGate(t, "test-secret")
	other, _ := newTestGate(t, "other-secret")
	principal := &models.Principal{ID: "principal-4", Name: "dave"}

	token, err := other.IssueSessionToken(principal, time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = gate.Authenticate(context.Background(), "Bearer "+token)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestHashToken_Deterministic(t *testing.T) {
	assert.Equal(t, HashToken("abc"), HashToken("abc"))
	assert.NotEqual(t, HashToken("abc"), HashToken("xyz"))
}
