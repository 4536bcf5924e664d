// Package secrets exposes encrypt/decrypt capabilities used to protect
// stored variable values.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrSecretUnavailable is returned when key material is not configured.
var ErrSecretUnavailable = errors.New("secret key material is not configured")

// Store encrypts and decrypts opaque strings.
type Store interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider      string
	EncryptionKey string
	VaultAddress  string
	VaultToken    string
	VaultMount    string
	VaultKeyName  string
}

type factory func(Config) (Store, error)

var (
	providersMu sync.RWMutex
	providers   = map[string]factory{}
)

func registerProvider(name string, f factory) {
	providersMu.Lock()
	defer providersMu.Unlock()
	providers[name] = f
}

// New builds the Store named by cfg.Provider ("aes" when empty).
func New(cfg Config) (Store, error) {
	name := cfg.Provider
	if name == "" {
		name = "aes"
	}
	providersMu.RLock()
	f, ok := providers[name]
	providersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown secret provider %q (available: %v)", name, Providers())
	}
	return f(cfg)
}

// Providers lists registered provider names.
func Providers() []string {
	providersMu.RLock()
	defer providersMu.RUnlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unavailable returns a Store that fails every call with ErrSecretUnavailable.
func Unavailable() Store { return unavailable{} }

type unavailable struct{}

func (unavailable) Encrypt(context.Context, string) (string, error) {
	return "", ErrSecretUnavailable
}

func (unavailable) Decrypt(context.Context, string) (string, error) {
	return "", ErrSecretUnavailable
}
