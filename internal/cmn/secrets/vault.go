package secrets

import (
	"context"
	"encoding/base64"
	"fmt"

	vault "github.com/hashicorp/vault/api"
)

const defaultTransitMount = "transit"

func init() {
	registerProvider("vault", func(cfg Config) (Store, error) {
		if cfg.VaultKeyName == "" {
			return Unavailable(), nil
		}
		return NewVaultTransit(cfg)
	})
}

// VaultTransit delegates encryption to a Vault transit secrets engine so
// key material never leaves Vault.
type VaultTransit struct {
	client *vault.Client
	mount  string
	key    string
}

func NewVaultTransit(cfg Config) (*VaultTransit, error) {
	vc := vault.DefaultConfig()
	if cfg.VaultAddress != "" {
		vc.Address = cfg.VaultAddress
	}
	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if cfg.VaultToken != "" {
		client.SetToken(cfg.VaultToken)
	}
	mount := cfg.VaultMount
	if mount == "" {
		mount = defaultTransitMount
	}
	return &VaultTransit{client: client, mount: mount, key: cfg.VaultKeyName}, nil
}

func (v *VaultTransit) Encrypt(ctx context.Context, plaintext string) (string, error) {
	secret, err := v.client.Logical().WriteWithContext(ctx, v.path("encrypt"), map[string]any{
		"plaintext": base64.StdEncoding.EncodeToString([]byte(plaintext)),
	})
	if err != nil {
		return "", fmt.Errorf("vault encrypt: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault encrypt: empty response")
	}
	ct, ok := secret.Data["ciphertext"].(string)
	if !ok || ct == "" {
		return "", fmt.Errorf("vault encrypt: missing ciphertext")
	}
	return ct, nil
}

func (v *VaultTransit) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	secret, err := v.client.Logical().WriteWithContext(ctx, v.path("decrypt"), map[string]any{
		"ciphertext": ciphertext,
	})
	if err != nil {
		return "", fmt.Errorf("vault decrypt: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault decrypt: empty response")
	}
	encoded, ok := secret.Data["plaintext"].(string)
	if !ok {
		return "", fmt.Errorf("vault decrypt: missing plaintext")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("vault decrypt: decode plaintext: %w", err)
	}
	return string(raw), nil
}

func (v *VaultTransit) path(op string) string {
	return v.mount + "/" + op + "/" + v.key
}
