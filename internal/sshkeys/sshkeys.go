// Package sshkeys generates and stores the key pair devices are provisioned
// with, and parses private keys into signers with passphrase classification.
package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/webosbrew/dev-manager-desktop/internal/errdefs"
	"golang.org/x/crypto/ssh"
)

// DefaultKeyName is the file name used by `devmgr keygen` inside the SSH key
// directory.
const DefaultKeyName = "id_devmgr"

// GenerateKeyPair generates an ED25519 key pair and returns the OpenSSH
// private key PEM (encrypted when passphrase is non-empty) and the
// authorized_keys line for the public half.
func GenerateKeyPair(comment, passphrase string) (publicKey, privateKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, comment)
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, comment, []byte(passphrase))
	}
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	return ssh.MarshalAuthorizedKey(sshPub), pem.EncodeToMemory(block), nil
}

// SaveKeyPair writes <name> (mode 0600) and <name>.pub (mode 0644) into dir.
func SaveKeyPair(dir, name string, privateKey, publicKey []byte) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	privPath := filepath.Join(dir, name)
	if _, err := os.Stat(privPath); err == nil {
		return fmt.Errorf("key %s already exists", privPath)
	}
	if err := os.WriteFile(privPath, privateKey, 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(privPath+".pub", publicKey, 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}

	log.Printf("SSH key pair saved to %s", privPath)
	return nil
}

// ParsePrivateKey parses PEM key material into a signer.
//
// An encrypted key without a passphrase yields errdefs.ErrPassphraseRequired,
// a rejected passphrase errdefs.ErrBadPassphrase, and anything unparsable
// errdefs.ErrBadPrivateKey.
func ParsePrivateKey(pemBytes []byte, passphrase string) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err == nil {
		return signer, nil
	}

	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, errdefs.Wrap(errdefs.KindBadPrivateKey, err, "")
	}
	if passphrase == "" {
		return nil, errdefs.Wrap(errdefs.KindPassphraseRequired, err, "private key is encrypted")
	}

	signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
	switch {
	case err == nil:
		return signer, nil
	case errors.Is(err, x509.IncorrectPasswordError):
		return nil, errdefs.Wrap(errdefs.KindBadPassphrase, err, "passphrase rejected")
	default:
		return nil, errdefs.Wrap(errdefs.KindBadPrivateKey, err, "")
	}
}

// IsEncrypted reports whether pemBytes holds a key that needs a passphrase.
func IsEncrypted(pemBytes []byte) bool {
	_, err := ssh.ParsePrivateKey(pemBytes)
	var missing *ssh.PassphraseMissingError
	return errors.As(err, &missing)
}
