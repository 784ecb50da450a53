package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"ms-admission/internal/models"
)

// TokenVerifier turns a bearer token into the operator it was issued to.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (models.Operator, error)
}

// Claims carried by operator tokens.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// ExtractTokenFromRequest extracts a JWT token from an HTTP request's Authorization header
func ExtractTokenFromRequest(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errors.New("authorization header is missing")
	}

	// Bearer token format: "Bearer {token}"
	parts := strings.Fields(authHeader)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("authorization header format must be 'Bearer {token}'")
	}

	return parts[1], nil
}

// HMACVerifier checks HS256 tokens signed with a shared secret.
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret string) (*HMACVerifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	return &HMACVerifier{secret: []byte(secret)}, nil
}

func (v *HMACVerifier) Verify(_ context.Context, rawToken string) (models.Operator, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(rawToken, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return models.Operator{}, fmt.Errorf("%w: %v", models.ErrUnauthorized, err)
	}
	return operatorFromClaims(claims.Subject, claims.Role)
}

// IssueToken signs an HS256 token for op. Used by the dev token command and tests.
func IssueToken(secret string, op models.Operator, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: op.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   op.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func operatorFromClaims(sub, role string) (models.Operator, error) {
	if sub == "" {
		return models.Operator{}, fmt.Errorf("%w: subject claim not found in token", models.ErrUnauthorized)
	}
	role = strings.ToLower(strings.TrimSpace(role))
	switch role {
	case models.RoleAdmin, models.RoleScanner:
	default:
		return models.Operator{}, fmt.Errorf("%w: role %q may not operate this service", models.ErrForbidden, role)
	}
	return models.Operator{ID: sub, Role: role}, nil
}
