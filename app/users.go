// Package app provides profile persistence helpers for authenticated requests.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ned4417/prompt-vault/app/models"
	"github.com/ned4417/prompt-vault/auth"
)

// UpsertProfileFromClaims mirrors the identity provider's user into the
// profiles table if it is not there already.
func (s *Store) UpsertProfileFromClaims(ctx context.Context, claims *auth.Claims) error {
	if claims == nil || claims.Subject == "" {
		return nil
	}

	email := readStringClaim(claims.Raw, "email")
	name := readStringClaim(claims.Raw, "name")

	const q = `
		INSERT INTO profiles (user_id, email, full_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO NOTHING;
	`

	_, err := s.db.ExecContext(ctx, q, claims.Subject, nullIfEmpty(email), nullIfEmpty(name))
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// GetProfile looks up the locally mirrored profile for a user ID.
func (s *Store) GetProfile(ctx context.Context, userID string) (models.Profile, error) {
	var (
		p        models.Profile
		email    sql.NullString
		fullName sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, email, full_name, created_at, updated_at
		FROM profiles
		WHERE user_id = $1;
	`, userID).Scan(&p.UserID, &email, &fullName, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Profile{}, err
	}
	if err != nil {
		return models.Profile{}, fmt.Errorf("get profile: %w", err)
	}
	p.Email = nullStringPtr(email)
	p.FullName = nullStringPtr(fullName)
	return p, nil
}

func readStringClaim(raw map[string]any, key string) string {
	if raw == nil {
		return ""
	}
	val, ok := raw[key]
	if !ok {
		return ""
	}
	if s, ok := val.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}
