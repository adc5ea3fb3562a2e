// Package auth issues and validates the bearer tokens of the revgraph API.
package auth

import (
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrTokenExpired     = errors.New("token expired")
	ErrInvalidSignature = errors.New("invalid signature")
)

// Scopes.
const (
	ScopeRead  = "read"
	ScopeWrite = "write"
)

// Audience is the audience of every token.
const Audience = "revgraphd"

// Claims represents the JWT claims.
type Claims struct {
	jwt.RegisteredClaims
	// Graphs limits the token to the named graphs. Empty allows all.
	Graphs []string `json:"graphs,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
}

// HasScope reports whether the token carries scope. Write implies read.
func (c *Claims) HasScope(scope string) bool {
	if slices.Contains(c.Scopes, scope) {
		return true
	}
	return scope == ScopeRead && slices.Contains(c.Scopes, ScopeWrite)
}

// AllowsGraph reports whether the token may access the graph.
func (c *Claims) AllowsGraph(graph string) bool {
	return len(c.Graphs) == 0 || slices.Contains(c.Graphs, graph)
}

// TokenService provides JWT operations.
type TokenService struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
}

// NewTokenService creates a new TokenService.
func NewTokenService(signingKey []byte, issuer string, ttl time.Duration) *TokenService {
	return &TokenService{
		signingKey: signingKey,
		issuer:     issuer,
		ttl:        ttl,
	}
}

// GenerateToken generates a signed access token for subject.
func (s *TokenService) GenerateToken(subject string, graphs, scopes []string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Graphs: graphs,
		Scopes: scopes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.signingKey)
}

// ValidateToken validates and parses an access token.
func (s *TokenService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidSignature
		}
		return s.signingKey, nil
	}, jwt.WithAudience(Audience))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// ExtractBearerToken extracts the token from an Authorization header.
func ExtractBearerToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}
