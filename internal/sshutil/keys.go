// Package sshutil handles the operator SSH key injected into every instance.
package sshutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// ErrNoKey is returned for an empty authorized key.
var ErrNoKey = errors.New("no ssh key provided")

// AuthorizedKey is a parsed authorized_keys line.
type AuthorizedKey struct {
	Line        string // normalized, without trailing newline
	Type        string
	Comment     string
	Fingerprint string // SHA256:...
}

// ParseAuthorizedKey validates an authorized_keys entry such as OPERATOR_SSH_KEY.
// Options before the key type are rejected.
func ParseAuthorizedKey(raw string) (*AuthorizedKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrNoKey
	}
	pub, comment, options, rest, err := ssh.ParseAuthorizedKey([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid ssh key: %w", err)
	}
	if len(options) > 0 {
		return nil, fmt.Errorf("invalid ssh key: options are not allowed")
	}
	if len(strings.TrimSpace(string(rest))) > 0 {
		return nil, fmt.Errorf("invalid ssh key: expected a single key")
	}

	line := strings.TrimSuffix(string(ssh.MarshalAuthorizedKey(pub)), "\n")
	if comment != "" {
		line += " " + comment
	}
	return &AuthorizedKey{
		Line:        line,
		Type:        pub.Type(),
		Comment:     comment,
		Fingerprint: ssh.FingerprintSHA256(pub),
	}, nil
}

// KeyPair holds a generated SSH key pair
type KeyPair struct {
	PublicKey  string // OpenSSH format (ssh-ed25519 AAAA... comment)
	PrivateKey string // PEM format
}

// GenerateKeyPair creates a new Ed25519 operator key pair.
func GenerateKeyPair(comment string) (*KeyPair, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	sshPubKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH public key: %w", err)
	}

	// ssh.MarshalAuthorizedKey adds a newline, insert comment before it
	pubKeyStr := string(ssh.MarshalAuthorizedKey(sshPubKey))
	if comment != "" {
		pubKeyStr = pubKeyStr[:len(pubKeyStr)-1] + " " + comment + "\n"
	}

	privKeyPEM, err := ssh.MarshalPrivateKey(privKey, comment)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	return &KeyPair{
		PublicKey:  pubKeyStr,
		PrivateKey: string(pem.EncodeToMemory(privKeyPEM)),
	}, nil
}

// FormatSSHCommand returns the command an operator uses to reach an instance.
func FormatSSHCommand(user, host, privateKeyPath string) string {
	if privateKeyPath == "" {
		return fmt.Sprintf("ssh %s@%s", user, host)
	}
	return fmt.Sprintf("ssh -i %s %s@%s", privateKeyPath, user, host)
}
