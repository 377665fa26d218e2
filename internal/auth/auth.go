// Package auth implements the Auth Gate (spec.md §4 (10)): resolving a
// bearer credential to a Principal. Two credential shapes are accepted, the
// way the teacher's AuthMiddleware.Authenticate tries local API keys before
// falling back to CloudShip OAuth: an opaque long-lived API token looked up
// against a hashed column, and a short-lived JWT session token. Both
// collapse to the same Principal; nothing downstream branches on which kind
// was presented.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"loomctl/internal/db/repositories"
	"loomctl/pkg/models"
)

// Gate resolves bearer credentials into Principals.
type Gate struct {
	tokens    *repositories.TokenRepo
	jwtSecret []byte
}

func NewGate(tokens *repositories.TokenRepo, jwtSecret string) *Gate {
	return &Gate{tokens: tokens, jwtSecret: []byte(jwtSecret)}
}

var ErrInvalidCredential = errors.New("invalid credential")

// Authenticate resolves a raw Authorization header value (with or without
// the "Bearer " prefix) to a Principal. It tries the opaque API token shape
// first, then falls back to parsing the credential as a JWT session token.
func (g *Gate) Authenticate(ctx context.Context, rawHeader string) (*models.Principal, error) {
	token := strings.TrimPrefix(rawHeader, "Bearer ")
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidCredential
	}

	if p, err := g.authenticateAPIToken(ctx, token); err == nil {
		return p, nil
	}

	if p, err := g.authenticateSessionToken(token); err == nil {
		return p, nil
	}

	return nil, ErrInvalidCredential
}

func (g *Gate) authenticateAPIToken(ctx context.Context, token string) (*models.Principal, error) {
	p, err := g.tokens.GetByTokenHash(ctx, HashToken(token))
	if err != nil {
		return nil, err
	}
	return p, nil
}

// sessionClaims is the payload carried by a short-lived session JWT: just
// enough to resolve a Principal, per spec.md §4 (10).
type sessionClaims struct {
	PrincipalID   string `json:"principalId"`
	PrincipalName string `json:"principalName"`
	jwt.RegisteredClaims
}

func (g *Gate) authenticateSessionToken(token string) (*models.Principal, error) {
	if len(g.jwtSecret) == 0 {
		return nil, ErrInvalidCredential
	}
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.jwtSecret, nil
	})
	if err != nil || !parsed.Valid || claims.PrincipalID == "" {
		return nil, ErrInvalidCredential
	}
	return &models.Principal{ID: claims.PrincipalID, Name: claims.PrincipalName}, nil
}

// IssueSessionToken mints a short-lived session JWT for a Principal, the
// counterpart external identity providers call after their own login flow.
func (g *Gate) IssueSessionToken(p *models.Principal, expiresAt time.Time) (string, error) {
	claims := sessionClaims{
		PrincipalID:   p.ID,
		PrincipalName: p.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(g.jwtSecret)
}

// GenerateAPIToken creates a new random opaque token plus its storage hash;
// the raw value is returned once to the caller and never persisted.
func GenerateAPIToken() (raw, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	raw = "loomctl_" + hex.EncodeToString(buf)
	return raw, HashToken(raw), nil
}

// HashToken is the one-way digest stored alongside a principal; tokens are
// looked up by this hash, never by the raw value.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
