// Package db provides the optional Postgres credential store: connection
// helper, idempotent schema setup and an oauth.Store backed by one table.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/chat-bridge/crypto"
	"github.com/onnwee/chat-bridge/oauth"
)

// DefaultProvider is the row key of the bridge account's credential.
const DefaultProvider = "twitch"

// Connect opens a Postgres connection and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate applies idempotent schema changes for the credential table.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			provider TEXT PRIMARY KEY,
			access_token TEXT,
			refresh_token TEXT,
			token_type TEXT,
			expires_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ DEFAULT NOW(),
			encryption_version INTEGER DEFAULT 0
		)`,
		`ALTER TABLE oauth_tokens ADD COLUMN IF NOT EXISTS token_type TEXT`,
		`ALTER TABLE oauth_tokens ADD COLUMN IF NOT EXISTS encryption_version INTEGER DEFAULT 0`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// CredentialStore implements oauth.Store on the oauth_tokens table.
// encryption_version=1 marks sealed tokens, 0 plaintext.
type CredentialStore struct {
	DB        *sql.DB
	Encryptor crypto.Encryptor
	Provider  string
}

// NewCredentialStore returns a store for the bridge account. enc may be nil.
func NewCredentialStore(db *sql.DB, enc crypto.Encryptor) *CredentialStore {
	if enc == nil {
		slog.Warn("ENCRYPTION_KEY not set, OAuth tokens will be stored in plaintext (not recommended for production)", slog.String("component", "db_encryption"))
	}
	return &CredentialStore{DB: db, Encryptor: enc, Provider: DefaultProvider}
}

// Save implements oauth.Store.
func (s *CredentialStore) Save(ctx context.Context, c *oauth.Credential) error {
	access, refresh := c.AccessToken, c.RefreshToken
	encVersion := 0
	if s.Encryptor != nil {
		encVersion = 1
		var err error
		if access, err = crypto.EncryptString(s.Encryptor, access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = crypto.EncryptString(s.Encryptor, refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	q := `INSERT INTO oauth_tokens(provider, access_token, refresh_token, token_type, expires_at, encryption_version, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,NOW())
		  ON CONFLICT(provider) DO UPDATE SET
		    access_token=EXCLUDED.access_token,
		    refresh_token=EXCLUDED.refresh_token,
		    token_type=EXCLUDED.token_type,
		    expires_at=EXCLUDED.expires_at,
		    encryption_version=EXCLUDED.encryption_version,
		    updated_at=NOW()`
	if _, err := s.DB.ExecContext(ctx, q, s.Provider, access, refresh, c.TokenType, c.ExpiresAt, encVersion); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// Load implements oauth.Store. A missing row yields (nil, nil).
func (s *CredentialStore) Load(ctx context.Context) (*oauth.Credential, error) {
	var (
		c          oauth.Credential
		tokenType  sql.NullString
		expiresAt  sql.NullTime
		encVersion int
	)
	row := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(access_token, ''), COALESCE(refresh_token, ''), token_type, expires_at, COALESCE(encryption_version, 0)
		 FROM oauth_tokens WHERE provider = $1`, s.Provider)
	err := row.Scan(&c.AccessToken, &c.RefreshToken, &tokenType, &expiresAt, &encVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	c.TokenType = tokenType.String
	c.ExpiresAt = expiresAt.Time

	if encVersion == 1 {
		if s.Encryptor == nil {
			return nil, errors.New("stored credential is encrypted but ENCRYPTION_KEY is not configured")
		}
		if c.AccessToken, err = crypto.DecryptString(s.Encryptor, c.AccessToken); err != nil {
			return nil, fmt.Errorf("decrypt access token: %w", err)
		}
		if c.RefreshToken, err = crypto.DecryptString(s.Encryptor, c.RefreshToken); err != nil {
			return nil, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	return &c, nil
}

// OpenStore returns the Postgres store when dsn is set and the credential
// file under dataDir otherwise. closeFn releases the database, if any.
func OpenStore(ctx context.Context, dsn, dataDir string, enc crypto.Encryptor) (store oauth.Store, closeFn func(), err error) {
	if dsn == "" {
		slog.Info("using credential file", slog.String("dir", dataDir), slog.Bool("encrypted", enc != nil), slog.String("component", "db"))
		return oauth.NewFileStore(dataDir, enc), func() {}, nil
	}
	database, err := Connect(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := Migrate(ctx, database); err != nil {
		_ = database.Close()
		return nil, nil, err
	}
	slog.Info("using postgres credential store", slog.Bool("encrypted", enc != nil), slog.String("component", "db"))
	return NewCredentialStore(database, enc), func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}, nil
}
