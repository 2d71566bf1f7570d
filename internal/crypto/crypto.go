package crypto

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fernet/fernet-go"
)

// SecretPrefix marks a devices-file value as a fernet token.
const SecretPrefix = "fernet:"

var ErrNoKey = errors.New("no secret key configured")

// GenerateKey returns a new encoded fernet key.
func GenerateKey() string {
	var k fernet.Key
	k.Generate()
	return k.Encode()
}

// ParseKey decodes an encoded fernet key.
func ParseKey(encoded string) (*fernet.Key, error) {
	if encoded == "" {
		return nil, ErrNoKey
	}
	key, err := fernet.DecodeKey(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return key, nil
}

// Encrypt returns plaintext as a SecretPrefix-tagged fernet token.
func Encrypt(key *fernet.Key, plaintext string) (string, error) {
	if key == nil {
		return "", ErrNoKey
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return SecretPrefix + string(tok), nil
}

// Decrypt resolves a devices-file value. Values without SecretPrefix are
// returned unchanged.
func Decrypt(key *fernet.Key, value string) (string, error) {
	tok, ok := strings.CutPrefix(value, SecretPrefix)
	if !ok {
		return value, nil
	}
	if key == nil {
		return "", ErrNoKey
	}
	msg := fernet.VerifyAndDecrypt([]byte(tok), 0*time.Second, []*fernet.Key{key})
	if msg == nil {
		return "", fmt.Errorf("decrypt: invalid token")
	}
	return string(msg), nil
}

func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
