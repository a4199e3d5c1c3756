package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/bcrypt"
	gossh "golang.org/x/crypto/ssh"

	"pdulink/config"
)

type stubConnMetadata struct {
	user string
}

func (c stubConnMetadata) User() string          { return c.user }
func (c stubConnMetadata) SessionID() []byte     { return nil }
func (c stubConnMetadata) ClientVersion() []byte { return []byte("SSH-2.0-test") }
func (c stubConnMetadata) ServerVersion() []byte { return []byte("SSH-2.0-pdulink") }
func (c stubConnMetadata) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 50000}
}
func (c stubConnMetadata) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2222}
}

func testUsers(t *testing.T) UserLookup {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret123"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	users := map[string]*config.WebUser{
		"admin":  {Username: "admin", PasswordHash: string(hash), Role: config.RoleAdmin},
		"viewer": {Username: "viewer", PasswordHash: string(hash), Role: config.RoleViewer},
	}
	return func(name string) *config.WebUser { return users[name] }
}

func testPublicKey(t *testing.T) gossh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	key, err := gossh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("failed to create SSH public key: %v", err)
	}
	return key
}

func TestPasswordCallback(t *testing.T) {
	cb := passwordCallback(testUsers(t))

	t.Run("accepts configured user with role", func(t *testing.T) {
		perms, err := cb(stubConnMetadata{user: "viewer"}, []byte("secret123"))
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
		if perms.Extensions[extRole] != config.RoleViewer {
			t.Errorf("role = %q, want viewer", perms.Extensions[extRole])
		}
		if perms.Extensions[extUser] != "viewer" {
			t.Errorf("user = %q, want viewer", perms.Extensions[extUser])
		}
	})

	t.Run("rejects wrong password", func(t *testing.T) {
		if _, err := cb(stubConnMetadata{user: "admin"}, []byte("wrong")); err == nil {
			t.Error("expected error for wrong password")
		}
	})

	t.Run("rejects unknown user", func(t *testing.T) {
		if _, err := cb(stubConnMetadata{user: "mallory"}, []byte("secret123")); err == nil {
			t.Error("expected error for unknown user")
		}
	})
}

func TestPublicKeyCallback(t *testing.T) {
	if publicKeyCallback(nil) != nil {
		t.Error("expected nil callback without keys")
	}

	known := testPublicKey(t)
	cb := publicKeyCallback([]gossh.PublicKey{known})

	perms, err := cb(stubConnMetadata{user: "ops"}, known)
	if err != nil {
		t.Fatalf("expected known key to pass: %v", err)
	}
	if perms.Extensions[extRole] != config.RoleAdmin {
		t.Errorf("role = %q, want admin", perms.Extensions[extRole])
	}
	if perms.Extensions[extUser] != "ops" {
		t.Errorf("user = %q, want ops", perms.Extensions[extUser])
	}

	if _, err := cb(stubConnMetadata{user: "ops"}, testPublicKey(t)); err == nil {
		t.Error("expected unknown key to be rejected")
	}
}

func TestLoadAuthorizedKeysFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	authorizedKey := string(gossh.MarshalAuthorizedKey(testPublicKey(t)))

	t.Run("loads valid authorized_keys file", func(t *testing.T) {
		path := filepath.Join(tmpDir, "authorized_keys")
		content := "# Comment line\n" + authorizedKey + "\n# Another comment\n"
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write test file: %v", err)
		}

		keys, err := loadAuthorizedKeysFromFile(path)
		if err != nil {
			t.Fatalf("loadAuthorizedKeysFromFile failed: %v", err)
		}
		if len(keys) != 1 {
			t.Errorf("expected 1 key, got %d", len(keys))
		}
	})

	t.Run("skips invalid lines", func(t *testing.T) {
		path := filepath.Join(tmpDir, "authorized_keys2")
		content := "invalid line\n" + authorizedKey + "\nanother invalid\n"
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write test file: %v", err)
		}

		keys, err := loadAuthorizedKeysFromFile(path)
		if err != nil {
			t.Fatalf("loadAuthorizedKeysFromFile failed: %v", err)
		}
		if len(keys) != 1 {
			t.Errorf("expected 1 key (skipping invalid), got %d", len(keys))
		}
	})

	t.Run("returns error for nonexistent file", func(t *testing.T) {
		if _, err := loadAuthorizedKeysFromFile("/nonexistent/file"); err == nil {
			t.Error("expected error for nonexistent file")
		}
	})
}

func TestLoadAuthorizedKeysFromDir(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"alice.pub", "bob.pub"} {
		line := gossh.MarshalAuthorizedKey(testPublicKey(t))
		if err := os.WriteFile(filepath.Join(dir, name), line, 0644); err != nil {
			t.Fatalf("failed to write key: %v", err)
		}
	}
	os.WriteFile(filepath.Join(dir, ".hidden"), gossh.MarshalAuthorizedKey(testPublicKey(t)), 0644)
	os.Mkdir(filepath.Join(dir, "sub"), 0755)

	keys, err := loadAuthorizedKeys(dir)
	if err != nil {
		t.Fatalf("loadAuthorizedKeys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("expected 2 keys, got %d", len(keys))
	}
}

func TestGetOrCreateHostKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "host_key")

	first, err := GetOrCreateHostKey(path)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("host key not written: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("host key mode = %v, want 0600", info.Mode().Perm())
	}

	second, err := GetOrCreateHostKey(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if gossh.FingerprintSHA256(first.PublicKey()) != gossh.FingerprintSHA256(second.PublicKey()) {
		t.Error("expected the stored key to be reused")
	}
}
