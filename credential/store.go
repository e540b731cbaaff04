// Package credential manages per-user OAuth credentials: persistence,
// proactive refresh, and the access gate every job launch passes through.
package credential

import (
	"database/sql"
	"time"

	"github.com/driveferry/driveferry/errors"
)

// Credential holds one user's tokens for the source provider
type Credential struct {
	UserID       string    `json:"user_id"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ExpiresWithin reports whether the access token expires inside the window
func (c *Credential) ExpiresWithin(window time.Duration) bool {
	return time.Until(c.ExpiresAt) <= window
}

// Store handles credential persistence
type Store struct {
	db *sql.DB
}

// NewStore creates a credential store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get retrieves a user's credential. Returns ErrNoCredential when the user
// never completed authorization.
func (s *Store) Get(userID string) (*Credential, error) {
	query := `SELECT user_id, access_token, refresh_token, expires_at, scope, updated_at
		FROM credentials WHERE user_id = ?`

	var cred Credential
	err := s.db.QueryRow(query, userID).Scan(
		&cred.UserID,
		&cred.AccessToken,
		&cred.RefreshToken,
		&cred.ExpiresAt,
		&cred.Scope,
		&cred.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNoCredential, "user %s", userID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get credential")
	}

	return &cred, nil
}

// Upsert inserts or replaces a user's credential
func (s *Store) Upsert(cred *Credential) error {
	query := `
		INSERT INTO credentials (user_id, access_token, refresh_token, expires_at, scope, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			scope = excluded.scope,
			updated_at = excluded.updated_at
	`

	_, err := s.db.Exec(query,
		cred.UserID,
		cred.AccessToken,
		cred.RefreshToken,
		cred.ExpiresAt,
		cred.Scope,
		time.Now(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to upsert credential")
	}
	return nil
}

// Delete removes a user's credential
func (s *Store) Delete(userID string) error {
	result, err := s.db.Exec(`DELETE FROM credentials WHERE user_id = ?`, userID)
	if err != nil {
		return errors.Wrap(err, "failed to delete credential")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrNoCredential, "user %s", userID)
	}
	return nil
}

// ListExpiringWithin returns credentials whose access token expires inside
// the window, oldest expiry first. Used by the background refresh sweep.
func (s *Store) ListExpiringWithin(window time.Duration) ([]*Credential, error) {
	cutoff := time.Now().Add(window)

	query := `SELECT user_id, access_token, refresh_token, expires_at, scope, updated_at
		FROM credentials
		WHERE expires_at < ?
		ORDER BY expires_at ASC`

	rows, err := s.db.Query(query, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list expiring credentials")
	}
	defer rows.Close()

	var creds []*Credential
	for rows.Next() {
		var cred Credential
		if err := rows.Scan(
			&cred.UserID,
			&cred.AccessToken,
			&cred.RefreshToken,
			&cred.ExpiresAt,
			&cred.Scope,
			&cred.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan credential")
		}
		creds = append(creds, &cred)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating credentials")
	}
	return creds, nil
}
