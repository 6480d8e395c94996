// Package capability answers whether a caller may administer credits. Every
// admin call site depends on the one Checker instead of re-deriving role
// state ad hoc.
package capability

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin is the role required for manual grant/deduct operations.
const RoleAdmin = "admin"

// Errors returned by capability checks.
var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidChecker = errors.New("invalid checker config")
)

// Operator identifies an authenticated administrative caller.
type Operator struct {
	ID    string
	Roles []string
}

// Checker validates an operator credential and the admin capability.
type Checker interface {
	Authorize(token string) (Operator, error)
}

type operatorClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// TokenChecker validates HMAC-signed operator bearer tokens.
type TokenChecker struct {
	signingKey []byte
	issuer     string
}

// NewTokenChecker wires a TokenChecker.
func NewTokenChecker(signingKey []byte, issuer string) (*TokenChecker, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("%w: signing key is required", ErrInvalidChecker)
	}
	if strings.TrimSpace(issuer) == "" {
		return nil, fmt.Errorf("%w: issuer is required", ErrInvalidChecker)
	}
	return &TokenChecker{signingKey: signingKey, issuer: issuer}, nil
}

// Authorize parses the token and requires the admin role.
func (checker *TokenChecker) Authorize(token string) (Operator, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return Operator{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	claims := &operatorClaims{}
	parsed, err := jwt.ParseWithClaims(trimmed, claims, func(parsedToken *jwt.Token) (interface{}, error) {
		if _, ok := parsedToken.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", parsedToken.Header["alg"])
		}
		return checker.signingKey, nil
	}, jwt.WithIssuer(checker.issuer))
	if err != nil || !parsed.Valid {
		return Operator{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	operator := Operator{ID: claims.Subject, Roles: claims.Roles}
	for _, role := range claims.Roles {
		if role == RoleAdmin {
			return operator, nil
		}
	}
	return Operator{}, fmt.Errorf("%w: admin role required", ErrUnauthorized)
}
