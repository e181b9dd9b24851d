package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// jwtSecretBytes is the entropy behind the generated secret; the file
// holds its hex form, 64 characters.
const jwtSecretBytes = 32

// EnsureJWTSecret returns the session-signing secret, generating and
// persisting one at path on first use. A pre-set CHAINLIT_AUTH_SECRET
// wins over the file. Short or unreadable files are regenerated. The
// file is written owner-only.
func EnsureJWTSecret(path string) (string, error) {
	if v := strings.TrimSpace(os.Getenv("CHAINLIT_AUTH_SECRET")); v != "" {
		return v, nil
	}

	data, err := os.ReadFile(path)
	if err == nil {
		secret := strings.TrimSpace(string(data))
		if len(secret) >= jwtSecretBytes*2 {
			return secret, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("config: read jwt secret %s: %w", path, err)
	}

	buf := make([]byte, jwtSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("config: generate jwt secret: %w", err)
	}
	secret := hex.EncodeToString(buf)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("config: create jwt secret dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(secret+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("config: write jwt secret %s: %w", path, err)
	}
	return secret, nil
}
