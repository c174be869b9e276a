// Package auth issues and verifies the HS256 bearer tokens that guard
// operator endpoints.
package auth

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"raffle/internal/config"
)

var (
	ErrMissingToken       = errors.New("missing bearer token")
	ErrInvalidTokenFormat = errors.New("authorization header must be \"Bearer <token>\"")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrNotConfigured      = errors.New("operator secret not configured")
)

// OperatorClaims identifies the operator behind a request.
type OperatorClaims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

// Manager signs and checks operator tokens with a shared secret.
type Manager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewManager creates a Manager from the auth config.
func NewManager(cfg config.AuthConfig) *Manager {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Manager{secret: []byte(cfg.OperatorSecret), issuer: cfg.Issuer, ttl: ttl, now: time.Now}
}

// Enabled reports whether a secret is configured. Without one every operator
// request is rejected.
func (m *Manager) Enabled() bool { return len(m.secret) > 0 }

// Issue returns a signed token for operator.
func (m *Manager) Issue(operator string) (string, time.Time, error) {
	if !m.Enabled() {
		return "", time.Time{}, ErrNotConfigured
	}
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return "", time.Time{}, errors.New("operator is required")
	}
	now := m.now()
	exp := now.Add(m.ttl)
	claims := OperatorClaims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "sign token")
	}
	return signed, exp, nil
}

// Verify parses a raw token and checks signature, issuer and expiry.
func (m *Manager) Verify(raw string) (*OperatorClaims, error) {
	if !m.Enabled() {
		return nil, ErrNotConfigured
	}
	claims := &OperatorClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !token.Valid || claims.Operator == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// FromHeader extracts and verifies the token in an Authorization header.
func (m *Manager) FromHeader(header string) (*OperatorClaims, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMissingToken
	}
	scheme, raw, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(raw) == "" {
		return nil, ErrInvalidTokenFormat
	}
	return m.Verify(strings.TrimSpace(raw))
}
