package integrations

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/corvid-labs/corvid/pkg/models"
)

func TestCredentialStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.enc")
	store, err := NewCredentialStore(path, "hunter2")
	if err != nil {
		t.Fatalf("NewCredentialStore: %v", err)
	}

	empty, err := store.Load()
	if err != nil {
		t.Fatalf("Load missing file: %v", err)
	}
	if len(empty.Platforms()) != 0 {
		t.Errorf("missing file should load empty, got %v", empty.Platforms())
	}

	creds := &Credentials{
		Matrix: &MatrixCredentials{
			Homeserver:  "https://matrix.example.org",
			UserID:      "@corvid:example.org",
			AccessToken: "syt_secret_token",
			DeviceID:    "CORVID1",
		},
		Farcaster: &FarcasterCredentials{
			APIKey:     "neynar-key",
			SignerUUID: "signer-uuid",
			FID:        "42",
		},
	}
	if err := store.Save(creds); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Matrix == nil || loaded.Matrix.AccessToken != "syt_secret_token" {
		t.Errorf("matrix credentials = %+v", loaded.Matrix)
	}
	if loaded.Farcaster == nil || loaded.Farcaster.FID != "42" {
		t.Errorf("farcaster credentials = %+v", loaded.Farcaster)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read raw file: %v", err)
	}
	if bytes.Contains(raw, []byte("syt_secret_token")) {
		t.Error("access token stored in the clear")
	}
	info, _ := os.Stat(path)
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode = %o, want 600", perm)
	}
}

func TestCredentialStoreWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.enc")
	store, _ := NewCredentialStore(path, "right")
	if err := store.Save(&Credentials{Farcaster: &FarcasterCredentials{APIKey: "k", SignerUUID: "s", FID: "1"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	wrong, _ := NewCredentialStore(path, "wrong")
	if _, err := wrong.Load(); err == nil {
		t.Fatal("wrong passphrase should fail to decrypt")
	}
}

func TestCredentialStoreTruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.enc")
	if err := os.WriteFile(path, []byte("short"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	store, _ := NewCredentialStore(path, "pw")
	if _, err := store.Load(); err == nil {
		t.Fatal("truncated file should fail to load")
	}
}

func TestNewCredentialStoreValidation(t *testing.T) {
	if _, err := NewCredentialStore("", "pw"); err == nil {
		t.Error("empty path should be rejected")
	}
	if _, err := NewCredentialStore("creds.enc", ""); err == nil {
		t.Error("empty passphrase should be rejected")
	}
}

func TestCredentialsRemove(t *testing.T) {
	creds := &Credentials{
		Matrix:    &MatrixCredentials{Homeserver: "https://example.org"},
		Farcaster: &FarcasterCredentials{APIKey: "k"},
	}

	if got := creds.Platforms(); len(got) != 2 {
		t.Fatalf("Platforms = %v, want both", got)
	}
	if !creds.Remove(models.PlatformMatrix) {
		t.Error("Remove should report a removal")
	}
	if creds.Remove(models.PlatformMatrix) {
		t.Error("second Remove should report nothing removed")
	}
	if got := creds.Platforms(); len(got) != 1 || got[0] != models.PlatformFarcaster {
		t.Errorf("Platforms after remove = %v", got)
	}
}
