package ssh

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/bcrypt"
	gossh "golang.org/x/crypto/ssh"

	"pdulink/config"
	"pdulink/logging"
)

// Permission extensions carried from authentication into the session.
const (
	extUser = "pdulink-user"
	extRole = "pdulink-role"
)

// UserLookup resolves a login name to a configured user, or nil.
type UserLookup func(username string) *config.WebUser

// passwordCallback checks passwords against the bcrypt hashes of the
// configured users. The user's role travels with the connection.
func passwordCallback(lookup UserLookup) func(gossh.ConnMetadata, []byte) (*gossh.Permissions, error) {
	return func(conn gossh.ConnMetadata, password []byte) (*gossh.Permissions, error) {
		user := lookup(conn.User())
		if user == nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), password) != nil {
			logging.DebugLog("ssh", "password rejected for %q from %s", conn.User(), conn.RemoteAddr())
			return nil, fmt.Errorf("invalid credentials for %q", conn.User())
		}
		return &gossh.Permissions{Extensions: map[string]string{
			extUser: user.Username,
			extRole: user.Role,
		}}, nil
	}
}

// publicKeyCallback accepts any key in keys. Key holders are operators and
// get the admin role.
func publicKeyCallback(keys []gossh.PublicKey) func(gossh.ConnMetadata, gossh.PublicKey) (*gossh.Permissions, error) {
	if len(keys) == 0 {
		return nil
	}
	return func(conn gossh.ConnMetadata, key gossh.PublicKey) (*gossh.Permissions, error) {
		offered := key.Marshal()
		for _, k := range keys {
			if subtle.ConstantTimeCompare(offered, k.Marshal()) == 1 {
				return &gossh.Permissions{Extensions: map[string]string{
					extUser: conn.User(),
					extRole: config.RoleAdmin,
				}}, nil
			}
		}
		logging.DebugLog("ssh", "key %s rejected for %q", gossh.FingerprintSHA256(key), conn.User())
		return nil, fmt.Errorf("unknown public key for %q", conn.User())
	}
}

// loadAuthorizedKeys loads public keys from an authorized_keys file or directory.
func loadAuthorizedKeys(path string) ([]gossh.PublicKey, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if info.IsDir() {
		return loadAuthorizedKeysFromDir(path)
	}
	return loadAuthorizedKeysFromFile(path)
}

// loadAuthorizedKeysFromFile loads public keys from a single authorized_keys file.
func loadAuthorizedKeysFromFile(path string) ([]gossh.PublicKey, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var keys []gossh.PublicKey
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, _, _, _, err := gossh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// loadAuthorizedKeysFromDir loads public keys from all files in a directory.
func loadAuthorizedKeysFromDir(dir string) ([]gossh.PublicKey, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var keys []gossh.PublicKey
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		fileKeys, err := loadAuthorizedKeysFromFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		keys = append(keys, fileKeys...)
	}
	return keys, nil
}

// GetOrCreateHostKey loads the host key at path, generating an ED25519 key
// there on first use.
func GetOrCreateHostKey(path string) (gossh.Signer, error) {
	if _, err := os.Stat(path); err == nil {
		return loadHostKey(path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	return generateHostKey(path)
}

func loadHostKey(path string) (gossh.Signer, error) {
	keyBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}
	signer, err := gossh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse host key: %w", err)
	}
	return signer, nil
}

func generateHostKey(path string) (gossh.Signer, error) {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	pemBlock, err := gossh.MarshalPrivateKey(privateKey, "")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(pemBlock), 0600); err != nil {
		return nil, fmt.Errorf("failed to write host key: %w", err)
	}

	signer, err := gossh.NewSignerFromKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	logging.DebugLog("ssh", "generated host key %s at %s", gossh.FingerprintSHA256(signer.PublicKey()), path)
	return signer, nil
}
