package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ineffabledeeps/asym-assistant/internal/config"

	"google.golang.org/api/idtoken"
)

var (
	ErrUnverifiedEmail = errors.New("google account email is not verified")
	ErrMissingEmail    = errors.New("google token missing email claim")
)

type GoogleIdentity struct {
	GoogleSubject string
	Email         string
	Name          string
	AvatarURL     string
}

type validateFunc func(ctx context.Context, idToken, audience string) (*idtoken.Payload, error)

// Verifier checks Google ID tokens issued to the configured client.
type Verifier struct {
	clientID string
	validate validateFunc
}

func NewVerifier(cfg config.Config) Verifier {
	return Verifier{clientID: strings.TrimSpace(cfg.GoogleClientID), validate: idtoken.Validate}
}

func (v Verifier) Verify(ctx context.Context, idToken string) (GoogleIdentity, error) {
	if strings.TrimSpace(idToken) == "" {
		return GoogleIdentity{}, errors.New("id token is required")
	}
	if v.clientID == "" {
		return GoogleIdentity{}, errors.New("google client id is not configured")
	}

	payload, err := v.validate(ctx, strings.TrimSpace(idToken), v.clientID)
	if err != nil {
		return GoogleIdentity{}, fmt.Errorf("validate id token: %w", err)
	}
	return identityFromClaims(payload)
}

func identityFromClaims(payload *idtoken.Payload) (GoogleIdentity, error) {
	email, _ := payload.Claims["email"].(string)
	if strings.TrimSpace(email) == "" {
		return GoogleIdentity{}, ErrMissingEmail
	}

	emailVerified, _ := payload.Claims["email_verified"].(bool)
	if !emailVerified {
		return GoogleIdentity{}, ErrUnverifiedEmail
	}

	name, _ := payload.Claims["name"].(string)
	picture, _ := payload.Claims["picture"].(string)

	return GoogleIdentity{
		GoogleSubject: payload.Subject,
		Email:         strings.ToLower(strings.TrimSpace(email)),
		Name:          strings.TrimSpace(name),
		AvatarURL:     strings.TrimSpace(picture),
	}, nil
}
