// Package auth identifica al operador del dashboard y su tenant a partir
// del token Bearer.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoTenant     = errors.New("token has no tenant")
)

type Operator struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	Name     string `json:"name,omitempty"`
}

type claims struct {
	TenantID string `json:"tenant_id"`
	Name     string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Provider valida y emite tokens HS256.
type Provider struct {
	secret []byte
	now    func() time.Time
}

func NewProvider(secret string) *Provider {
	return &Provider{secret: []byte(secret), now: time.Now}
}

func (p *Provider) Operator(token string) (Operator, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		return p.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil {
		return Operator{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.Subject == "" {
		return Operator{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if c.TenantID == "" {
		return Operator{}, ErrNoTenant
	}
	return Operator{ID: c.Subject, TenantID: c.TenantID, Name: c.Name}, nil
}

// Issue firma un token para op. Lo usan las herramientas y los tests.
func (p *Provider) Issue(op Operator, ttl time.Duration) (string, error) {
	now := p.now()
	c := claims{
		TenantID: op.TenantID,
		Name:     op.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   op.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(p.secret)
}
