// Package tunnel establishes and supervises the reverse port-forward that
// gives the control plane inbound reachability to the node agent via the
// bastion host.
package tunnel

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

const (
	// PrivateKeyFile is the filename for the node's tunnel identity key.
	PrivateKeyFile = "tunnel_key"

	// PublicKeyFile is the filename for the public half.
	PublicKeyFile = "tunnel_key.pub"

	// KeyComment is the comment added to the public key.
	KeyComment = "provisiond-tunnel"
)

// KeyPair holds paths to the node's SSH identity.
type KeyPair struct {
	PrivateKeyPath string
	PublicKeyPath  string
}

// EnsureIdentity checks for an existing tunnel key pair and generates one if
// missing. Safe to call on every run.
func EnsureIdentity(keyDir string) (*KeyPair, error) {
	privateKeyPath := filepath.Join(keyDir, PrivateKeyFile)
	publicKeyPath := filepath.Join(keyDir, PublicKeyFile)

	if fileExists(privateKeyPath) && fileExists(publicKeyPath) {
		if err := validateKeyPair(privateKeyPath, publicKeyPath); err != nil {
			return nil, fmt.Errorf("existing keys are invalid: %w (remove them to regenerate)", err)
		}
		return &KeyPair{
			PrivateKeyPath: privateKeyPath,
			PublicKeyPath:  publicKeyPath,
		}, nil
	}

	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}

	if err := generateED25519KeyPair(privateKeyPath, publicKeyPath); err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}

	return &KeyPair{
		PrivateKeyPath: privateKeyPath,
		PublicKeyPath:  publicKeyPath,
	}, nil
}

// ReadPublicKey reads the public key from a file and returns it as a string.
func ReadPublicKey(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read public key: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func generateED25519KeyPair(privateKeyPath, publicKeyPath string) error {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate ed25519 key: %w", err)
	}

	sshPubKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return fmt.Errorf("convert public key to ssh format: %w", err)
	}

	pubKeyBytes := ssh.MarshalAuthorizedKey(sshPubKey)
	pubKeyStr := strings.TrimSpace(string(pubKeyBytes)) + " " + KeyComment + "\n"

	privKeyPEM, err := ssh.MarshalPrivateKey(privKey, KeyComment)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}

	if err := os.WriteFile(privateKeyPath, pem.EncodeToMemory(privKeyPEM), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	if err := os.WriteFile(publicKeyPath, []byte(pubKeyStr), 0o644); err != nil {
		// Clean up private key on failure
		_ = os.Remove(privateKeyPath)
		return fmt.Errorf("write public key: %w", err)
	}

	return nil
}

func validateKeyPair(privateKeyPath, publicKeyPath string) error {
	privData, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return fmt.Errorf("read private key: %w", err)
	}
	if _, err := ssh.ParsePrivateKey(privData); err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}

	pubData, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return fmt.Errorf("read public key: %w", err)
	}
	if _, _, _, _, err := ssh.ParseAuthorizedKey(pubData); err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}

	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
