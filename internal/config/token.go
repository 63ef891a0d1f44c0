package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

const apiTokenAccount = "api_token"

// SecretStore reads and writes secrets in the platform secret store.
type SecretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

type platformSecrets struct{ keychainReader }

func (platformSecrets) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

// NewKeychain returns the platform secret store: macOS Keychain on darwin, a
// 0600 JSON file elsewhere.
func NewKeychain() SecretStore { return platformSecrets{} }

// GetAPIToken returns the bearer token that guards the HTTP API, generating
// and storing a new one on first use.
func GetAPIToken(kc SecretStore) (string, error) {
	if tok, err := kc.Get(keychainService, apiTokenAccount); err == nil && strings.TrimSpace(tok) != "" {
		return strings.TrimSpace(tok), nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := kc.Set(keychainService, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing api token: %w", err)
	}
	return tok, nil
}
