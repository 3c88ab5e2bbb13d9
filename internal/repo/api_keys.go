package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// APIKey maps a hashed secret to the actor it authenticates.
type APIKey struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actor_id"`
	Name      string    `json:"name,omitempty"`
	KeyHash   string    `json:"-"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a hashed API key. KeyHash must already contain the hashed value.
func (s *SQL) InsertAPIKey(ctx context.Context, key APIKey) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.ActorID == "" {
		return errors.New("actor_id required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = s.Now()
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO api_keys(id, actor_id, name, key_hash, created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.ActorID, nullable(key.Name), key.KeyHash, formatTime(key.CreatedAt))
	if isUniqueViolation(err) {
		return ErrExists
	}
	return err
}

// GetAPIKeyByHash returns an API key by its hashed value.
func (s *SQL) GetAPIKeyByHash(ctx context.Context, hash string) (APIKey, error) {
	keys, err := s.queryAPIKeys(ctx, ` WHERE key_hash=? LIMIT 1`, hash)
	if err != nil {
		return APIKey{}, err
	}
	if len(keys) == 0 {
		return APIKey{}, ErrNotFound
	}
	return keys[0], nil
}

// ListAPIKeys returns API keys, optionally filtered by actor ID.
func (s *SQL) ListAPIKeys(ctx context.Context, actorID string) ([]APIKey, error) {
	if actorID != "" {
		return s.queryAPIKeys(ctx, ` WHERE actor_id=? ORDER BY created_at DESC`, actorID)
	}
	return s.queryAPIKeys(ctx, ` ORDER BY created_at DESC`)
}

// DeleteAPIKey deletes an API key by ID.
func (s *SQL) DeleteAPIKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQL) queryAPIKeys(ctx context.Context, where string, args ...any) ([]APIKey, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, actor_id, COALESCE(name,''), key_hash, created_at FROM api_keys`+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []APIKey
	for rows.Next() {
		var key APIKey
		var created string
		if err := rows.Scan(&key.ID, &key.ActorID, &key.Name, &key.KeyHash, &created); err != nil {
			return nil, err
		}
		if key.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return keys, nil
}
