package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func TestVerifyRoundTrip(t *testing.T) {
	v := NewVerifier("test-secret")
	token, err := v.Issue("u1", models.RoleDriver, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	id, role, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id != "u1" || role != models.RoleDriver {
		t.Fatalf("got %s/%s, want u1/driver", id, role)
	}
}

func TestVerifyRejectsMissingToken(t *testing.T) {
	v := NewVerifier("test-secret")
	if _, _, err := v.Verify(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("got %v, want ErrMissingToken", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer := NewVerifier("secret-a")
	token, _ := issuer.Issue("u1", models.RoleCustomer, time.Minute)

	v := NewVerifier("secret-b")
	if _, _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("got %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v := NewVerifier("test-secret")
	token, _ := v.Issue("u1", models.RoleCustomer, -time.Minute)
	if _, _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("got %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsUnknownRole(t *testing.T) {
	v := NewVerifier("test-secret")
	token, _ := v.Issue("u1", models.Role("admin"), time.Minute)
	if _, _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("got %v, want ErrInvalidToken", err)
	}
}
