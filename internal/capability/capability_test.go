package capability

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testIssuer = "creditgate"
)

var testSigningKey = []byte("capability-test-signing-key")

func mustChecker(test *testing.T) *TokenChecker {
	test.Helper()
	checker, err := NewTokenChecker(testSigningKey, testIssuer)
	if err != nil {
		test.Fatalf("NewTokenChecker: %v", err)
	}
	return checker
}

func signedToken(test *testing.T, key []byte, issuer string, subject string, roles []string) string {
	test.Helper()
	claims := operatorClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		test.Fatalf("sign token: %v", err)
	}
	return token
}

func TestAuthorizeAcceptsAdminRole(test *testing.T) {
	test.Parallel()
	checker := mustChecker(test)
	token := signedToken(test, testSigningKey, testIssuer, "operator-1", []string{"support", RoleAdmin})

	operator, err := checker.Authorize(token)
	if err != nil {
		test.Fatalf("Authorize: %v", err)
	}
	if operator.ID != "operator-1" {
		test.Fatalf("operator id = %q, want operator-1", operator.ID)
	}
}

func TestAuthorizeRejectsMissingAdminRole(test *testing.T) {
	test.Parallel()
	checker := mustChecker(test)
	token := signedToken(test, testSigningKey, testIssuer, "operator-2", []string{"support"})

	if _, err := checker.Authorize(token); !errors.Is(err, ErrUnauthorized) {
		test.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestAuthorizeRejectsWrongKey(test *testing.T) {
	test.Parallel()
	checker := mustChecker(test)
	token := signedToken(test, []byte("some-other-key"), testIssuer, "operator-3", []string{RoleAdmin})

	if _, err := checker.Authorize(token); !errors.Is(err, ErrUnauthorized) {
		test.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestAuthorizeRejectsWrongIssuer(test *testing.T) {
	test.Parallel()
	checker := mustChecker(test)
	token := signedToken(test, testSigningKey, "someone-else", "operator-4", []string{RoleAdmin})

	if _, err := checker.Authorize(token); !errors.Is(err, ErrUnauthorized) {
		test.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestAuthorizeRejectsEmptyToken(test *testing.T) {
	test.Parallel()
	checker := mustChecker(test)

	if _, err := checker.Authorize("   "); !errors.Is(err, ErrUnauthorized) {
		test.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestNewTokenCheckerRejectsMissingKey(test *testing.T) {
	test.Parallel()
	if _, err := NewTokenChecker(nil, testIssuer); !errors.Is(err, ErrInvalidChecker) {
		test.Fatalf("err = %v, want ErrInvalidChecker", err)
	}
}
