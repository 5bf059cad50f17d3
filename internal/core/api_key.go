package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/chap-sh/chap/internal/model"
	"github.com/chap-sh/chap/internal/platform"
)

// APIKeyService manages operator API keys. Only the sha256 hash of a key is
// stored; the plaintext is returned exactly once, at creation.
type APIKeyService struct {
	db DB
}

func NewAPIKeyService(db DB) *APIKeyService {
	return &APIKeyService{db: db}
}

// Create mints a new API key and returns its plaintext alongside the stored
// record.
func (s *APIKeyService) Create(ctx context.Context, name string) (*model.APIKey, string, error) {
	plaintext := platform.NewToken()
	key := &model.APIKey{ID: platform.NewID(), Name: name, KeyHash: platform.HashToken(plaintext)}
	err := s.db.QueryRow(ctx,
		`INSERT INTO api_keys (id, name, key_hash, created_at) VALUES ($1, $2, $3, now()) RETURNING created_at`,
		key.ID, key.Name, key.KeyHash,
	).Scan(&key.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("create api key %s: %w", name, err)
	}
	return key, plaintext, nil
}

// Authenticate resolves a plaintext key to its record. Revoked or unknown
// keys fail with pgx.ErrNoRows wrapped.
func (s *APIKeyService) Authenticate(ctx context.Context, plaintext string) (*model.APIKey, error) {
	var key model.APIKey
	err := s.db.QueryRow(ctx,
		`SELECT id, name, key_hash, created_at, revoked_at FROM api_keys
		 WHERE key_hash = $1 AND revoked_at IS NULL`,
		platform.HashToken(plaintext),
	).Scan(&key.ID, &key.Name, &key.KeyHash, &key.CreatedAt, &key.RevokedAt)
	if err != nil {
		return nil, fmt.Errorf("authenticate api key: %w", err)
	}
	return &key, nil
}

func (s *APIKeyService) Revoke(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `UPDATE api_keys SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("revoke api key %s: %w", id, pgx.ErrNoRows)
	}
	return nil
}

// IsAuthFailure reports whether an Authenticate error means the key was
// simply unknown or revoked, as opposed to a database fault.
func IsAuthFailure(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
