// Package credentials stores Google OAuth tokens encrypted at rest with
// AES-256-GCM and refreshes them ahead of expiry. Plaintext token material
// never reaches the database or the logs.
package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/saihai-dev/saihai/pkg/contracts"
	"github.com/saihai-dev/saihai/pkg/database"
)

// DefaultOwner is the shared service credential used when no per-user token
// exists.
const DefaultOwner = "default"

// refreshSkew is how long before nominal expiry a token is treated as stale.
const refreshSkew = 60 * time.Second

// Token is one stored Google OAuth credential.
type Token struct {
	UserID       string
	GoogleEmail  string
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresAt    *time.Time
	UpdatedAt    time.Time
}

// Stale reports whether the token expires within the refresh skew. Tokens
// without an expiry are treated as fresh.
func (t *Token) Stale(now time.Time) bool {
	if t == nil || t.ExpiresAt == nil {
		return false
	}
	return t.ExpiresAt.Sub(now) < refreshSkew
}

// DeriveKey stretches the deployment secret into a 32-byte AES-256 key via
// HKDF-SHA256. The info string binds the key to this store so the same secret
// can safely derive keys for other subsystems.
func DeriveKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, errors.New("deployment secret is empty")
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte("saihai/google-oauth-v1"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Store manages encrypted token rows in google_oauth_tokens.
type Store struct {
	db     *database.DB
	encKey []byte
	mu     sync.RWMutex
}

// NewStore builds a credential store. encryptionKey must be 32 bytes; use
// DeriveKey to produce one from the deployment secret.
func NewStore(db *database.DB, encryptionKey []byte) (*Store, error) {
	if len(encryptionKey) != 32 {
		return nil, errors.New("encryption key must be 32 bytes for AES-256")
	}
	return &Store{db: db, encKey: encryptionKey}, nil
}

func (s *Store) encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, []byte(plaintext), nil)), nil
}

func (s *Store) decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}
	if len(data) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, body := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// Save upserts a token row, encrypting both token fields. An empty incoming
// refresh token preserves the stored one, matching Google's refresh response
// which omits the refresh token it already issued.
func (s *Store) Save(ctx context.Context, tok *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tok.RefreshToken == "" {
		prior, err := s.get(ctx, tok.UserID)
		if err != nil {
			return err
		}
		if prior != nil {
			tok.RefreshToken = prior.RefreshToken
		}
	}

	encAccess, err := s.encrypt(tok.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	encRefresh, err := s.encrypt(tok.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	var expires any
	if tok.ExpiresAt != nil {
		expires = tok.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	now := time.Now().UTC()
	tok.UpdatedAt = now

	var exists int
	err = s.db.QueryRowContext(ctx,
		s.db.Rebind(`SELECT 1 FROM google_oauth_tokens WHERE user_id = ?`), tok.UserID,
	).Scan(&exists)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO google_oauth_tokens
			   (user_id, google_email, access_token, refresh_token, token_type, scope, expires_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			tok.UserID, tok.GoogleEmail, encAccess, encRefresh,
			orDefault(tok.TokenType, "Bearer"), tok.Scope, expires, now.Format(time.RFC3339Nano),
		)
	case err == nil:
		_, err = s.db.ExecContext(ctx, s.db.Rebind(
			`UPDATE google_oauth_tokens
			 SET google_email = ?, access_token = ?, refresh_token = ?, token_type = ?, scope = ?,
			     expires_at = ?, updated_at = ?
			 WHERE user_id = ?`),
			tok.GoogleEmail, encAccess, encRefresh,
			orDefault(tok.TokenType, "Bearer"), tok.Scope, expires, now.Format(time.RFC3339Nano),
			tok.UserID,
		)
	}
	if err != nil {
		return fmt.Errorf("save token for %s: %w", tok.UserID, err)
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Get loads and decrypts the token for userID. Returns nil when missing.
func (s *Store) Get(ctx context.Context, userID string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(ctx, userID)
}

func (s *Store) get(ctx context.Context, userID string) (*Token, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT user_id, google_email, access_token, refresh_token, token_type, scope, expires_at, updated_at
		 FROM google_oauth_tokens WHERE user_id = ?`), userID)
	return s.scanToken(row)
}

func (s *Store) getByEmail(ctx context.Context, email string) (*Token, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT user_id, google_email, access_token, refresh_token, token_type, scope, expires_at, updated_at
		 FROM google_oauth_tokens WHERE google_email = ?`), email)
	return s.scanToken(row)
}

func (s *Store) scanToken(row *sql.Row) (*Token, error) {
	var tok Token
	var encAccess, encRefresh string
	var expires, updated sql.NullString
	err := row.Scan(&tok.UserID, &tok.GoogleEmail, &encAccess, &encRefresh,
		&tok.TokenType, &tok.Scope, &expires, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	if tok.AccessToken, err = s.decrypt(encAccess); err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	if tok.RefreshToken, err = s.decrypt(encRefresh); err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}
	if expires.Valid && expires.String != "" {
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if t, perr := time.Parse(layout, expires.String); perr == nil {
				tok.ExpiresAt = &t
				break
			}
		}
	}
	if updated.Valid {
		tok.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated.String)
	}
	return &tok, nil
}

// Resolve finds the credential for owner: first by user id, then by the
// linked Google email, finally the shared default credential. Returns a
// CredentialError when nothing matches.
func (s *Store) Resolve(ctx context.Context, owner string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if owner != "" && owner != DefaultOwner {
		tok, err := s.get(ctx, owner)
		if err != nil || tok != nil {
			return tok, err
		}
		tok, err = s.getByEmail(ctx, owner)
		if err != nil || tok != nil {
			return tok, err
		}
	}
	tok, err := s.get(ctx, DefaultOwner)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, &contracts.CredentialError{Owner: owner, Message: "no Google credential on record"}
	}
	return tok, nil
}

// Delete removes the token for userID.
func (s *Store) Delete(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM google_oauth_tokens WHERE user_id = ?`), userID)
	if err != nil {
		return fmt.Errorf("delete token for %s: %w", userID, err)
	}
	return nil
}
