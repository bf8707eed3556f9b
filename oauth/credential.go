package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/onnwee/chat-bridge/crypto"
)

// Credential is a user access credential for the Twitch bridge account.
type Credential struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	TokenType    string    `json:"tokenType"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Valid reports whether the access token can still be used at now.
func (c *Credential) Valid(now time.Time) bool {
	return c != nil && c.AccessToken != "" && now.Before(c.ExpiresAt)
}

func (c *Credential) clone() *Credential {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// Store persists the single credential of the bridge account.
// Load returns (nil, nil) when nothing has been stored yet.
type Store interface {
	Load(ctx context.Context) (*Credential, error)
	Save(ctx context.Context, c *Credential) error
}

// FileStore keeps the credential as JSON in one file. When Encryptor is set
// both tokens are sealed before they reach the disk.
type FileStore struct {
	Path      string
	Encryptor crypto.Encryptor
}

// NewFileStore returns a FileStore writing auth.json under dataDir.
func NewFileStore(dataDir string, enc crypto.Encryptor) *FileStore {
	return &FileStore{Path: filepath.Join(dataDir, "auth.json"), Encryptor: enc}
}

// Load implements Store.
func (s *FileStore) Load(_ context.Context) (*Credential, error) {
	b, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credential file: %w", err)
	}
	var c Credential
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("decode credential file %s: %w", s.Path, err)
	}
	if !crypto.IsSealed(c.AccessToken) && !crypto.IsSealed(c.RefreshToken) {
		return &c, nil
	}
	if s.Encryptor == nil {
		return nil, fmt.Errorf("credential file %s is encrypted but ENCRYPTION_KEY is not configured", s.Path)
	}
	if c.AccessToken, err = crypto.DecryptString(s.Encryptor, c.AccessToken); err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	if c.RefreshToken, err = crypto.DecryptString(s.Encryptor, c.RefreshToken); err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}
	return &c, nil
}

// Save implements Store. The file is replaced atomically with mode 0600.
func (s *FileStore) Save(_ context.Context, c *Credential) error {
	out := c.clone()
	if s.Encryptor != nil {
		var err error
		if out.AccessToken, err = crypto.EncryptString(s.Encryptor, c.AccessToken); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if out.RefreshToken, err = crypto.EncryptString(s.Encryptor, c.RefreshToken); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}
	b, err := json.MarshalIndent(out, "", "\t")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".auth-*.json")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.Path)
}
