package auth

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/api/idtoken"
)

func stubVerifier(payload *idtoken.Payload, err error) Verifier {
	return Verifier{
		clientID: "client-123",
		validate: func(_ context.Context, _ string, audience string) (*idtoken.Payload, error) {
			if audience != "client-123" {
				return nil, errors.New("unexpected audience")
			}
			return payload, err
		},
	}
}

func TestVerifyMapsClaims(t *testing.T) {
	v := stubVerifier(&idtoken.Payload{
		Subject: "google-sub-1",
		Claims: map[string]any{
			"email":          " Ada@Example.com ",
			"email_verified": true,
			"name":           " Ada Lovelace ",
			"picture":        "https://example.com/a.png",
		},
	}, nil)

	identity, err := v.Verify(context.Background(), "token")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if identity.GoogleSubject != "google-sub-1" || identity.Email != "ada@example.com" || identity.Name != "Ada Lovelace" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
	if identity.AvatarURL != "https://example.com/a.png" {
		t.Fatalf("unexpected avatar: %q", identity.AvatarURL)
	}
}

func TestVerifyRejectsUnverifiedOrMissingEmail(t *testing.T) {
	unverified := stubVerifier(&idtoken.Payload{Claims: map[string]any{"email": "a@example.com", "email_verified": false}}, nil)
	if _, err := unverified.Verify(context.Background(), "token"); !errors.Is(err, ErrUnverifiedEmail) {
		t.Fatalf("expected ErrUnverifiedEmail, got %v", err)
	}

	missing := stubVerifier(&idtoken.Payload{Claims: map[string]any{"email_verified": true}}, nil)
	if _, err := missing.Verify(context.Background(), "token"); !errors.Is(err, ErrMissingEmail) {
		t.Fatalf("expected ErrMissingEmail, got %v", err)
	}
}

func TestVerifyWrapsValidationError(t *testing.T) {
	cause := errors.New("bad signature")
	v := stubVerifier(nil, cause)
	if _, err := v.Verify(context.Background(), "token"); !errors.Is(err, cause) {
		t.Fatalf("expected wrapped validation error, got %v", err)
	}
}
