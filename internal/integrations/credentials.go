package integrations

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/corvid-labs/corvid/internal/corviderr"
	"github.com/corvid-labs/corvid/pkg/models"
)

// Credentials is the decrypted contents of the credentials file. Each
// platform section is present only when the operator has configured it.
type Credentials struct {
	Matrix    *MatrixCredentials    `json:"matrix,omitempty"`
	Farcaster *FarcasterCredentials `json:"farcaster,omitempty"`
}

// MatrixCredentials holds Matrix account secrets.
type MatrixCredentials struct {
	Homeserver  string `json:"homeserver"`
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id,omitempty"`
	PickleKey   string `json:"pickle_key,omitempty"`
}

// FarcasterCredentials holds Farcaster API secrets.
type FarcasterCredentials struct {
	APIKey     string `json:"api_key"`
	SignerUUID string `json:"signer_uuid"`
	FID        string `json:"fid"`
	Username   string `json:"username,omitempty"`
}

// Platforms lists which platforms have credentials configured.
func (c *Credentials) Platforms() []models.Platform {
	var out []models.Platform
	if c.Matrix != nil {
		out = append(out, models.PlatformMatrix)
	}
	if c.Farcaster != nil {
		out = append(out, models.PlatformFarcaster)
	}
	return out
}

// Remove clears one platform's credentials. Reports whether anything
// was removed.
func (c *Credentials) Remove(platform models.Platform) bool {
	switch platform {
	case models.PlatformMatrix:
		had := c.Matrix != nil
		c.Matrix = nil
		return had
	case models.PlatformFarcaster:
		had := c.Farcaster != nil
		c.Farcaster = nil
		return had
	}
	return false
}

// CredentialStore reads and writes the credentials file. The file is
// sealed with AES-256-GCM under a key derived from the operator's
// passphrase, so tokens are never on disk in the clear.
type CredentialStore struct {
	path string
	key  [sha256.Size]byte
}

// NewCredentialStore opens a store at path with the given passphrase.
func NewCredentialStore(path, passphrase string) (*CredentialStore, error) {
	if path == "" {
		return nil, corviderr.ErrConfig("credentials path is required", nil)
	}
	if passphrase == "" {
		return nil, corviderr.ErrConfig("credentials passphrase is required", nil)
	}
	return &CredentialStore{
		path: path,
		key:  sha256.Sum256([]byte(passphrase)),
	}, nil
}

// Load reads and decrypts the credentials file. A missing file yields
// empty credentials, not an error.
func (s *CredentialStore) Load() (*Credentials, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Credentials{}, nil
	}
	if err != nil {
		return nil, corviderr.ErrPersistence("read credentials file", err)
	}

	plain, err := s.open(raw)
	if err != nil {
		return nil, err
	}
	var creds Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, corviderr.ErrPersistence("decode credentials", err)
	}
	return &creds, nil
}

// Save encrypts and writes the credentials file with owner-only
// permissions, replacing it atomically.
func (s *CredentialStore) Save(creds *Credentials) error {
	plain, err := json.Marshal(creds)
	if err != nil {
		return corviderr.ErrPersistence("encode credentials", err)
	}
	sealed, err := s.seal(plain)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return corviderr.ErrPersistence("create credentials directory", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return corviderr.ErrPersistence("write credentials file", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return corviderr.ErrPersistence("replace credentials file", err)
	}
	return nil
}

func (s *CredentialStore) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return nil, corviderr.ErrConfig("init credentials cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, corviderr.ErrConfig("init credentials cipher", err)
	}
	return gcm, nil
}

func (s *CredentialStore) seal(plain []byte) ([]byte, error) {
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, corviderr.ErrPersistence("generate nonce", err)
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func (s *CredentialStore) open(raw []byte) ([]byte, error) {
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	if len(raw) < gcm.NonceSize() {
		return nil, corviderr.ErrConfig("credentials file is truncated", nil)
	}
	plain, err := gcm.Open(nil, raw[:gcm.NonceSize()], raw[gcm.NonceSize():], nil)
	if err != nil {
		return nil, corviderr.ErrConfig("cannot decrypt credentials file (wrong passphrase?)", err)
	}
	return plain, nil
}
