// Package variable stores operator-managed key/value settings. Values are
// encrypted with the configured secrets.Store when one is available.
package variable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dagucloud/dagsched/internal/cmn/logger"
	"github.com/dagucloud/dagsched/internal/cmn/logger/tag"
	"github.com/dagucloud/dagsched/internal/cmn/secrets"
	"github.com/dagucloud/dagsched/internal/core/exec"
)

// Service reads and writes variables.
type Service struct {
	q       exec.Queries
	secrets secrets.Store
}

// New returns a Service. A nil secrets store stores values in plaintext.
func New(q exec.Queries, s secrets.Store) *Service {
	if s == nil {
		s = secrets.Unavailable()
	}
	return &Service{q: q, secrets: s}
}

// Get returns the plaintext value of key. It fails with exec.ErrNotFound
// for an unknown key and with secrets.ErrSecretUnavailable when the value
// is encrypted but no key material is configured.
func (s *Service) Get(ctx context.Context, key string) (string, error) {
	v, err := s.q.GetVariable(ctx, key)
	if err != nil {
		return "", err
	}
	if !v.IsEncrypted {
		return v.Value, nil
	}
	plain, err := s.secrets.Decrypt(ctx, v.Value)
	if err != nil {
		return "", fmt.Errorf("decrypt variable %s: %w", key, err)
	}
	return plain, nil
}

// GetDefault returns def when key does not exist.
func (s *Service) GetDefault(ctx context.Context, key, def string) (string, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, exec.ErrNotFound) {
		return def, nil
	}
	return v, err
}

// GetJSON decodes the JSON value of key into out.
func (s *Service) GetJSON(ctx context.Context, key string, out any) error {
	v, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(v), out); err != nil {
		return fmt.Errorf("decode variable %s: %w", key, err)
	}
	return nil
}

// Set stores value under key. When encryption fails the value is kept in
// plaintext and flagged as such.
func (s *Service) Set(ctx context.Context, key, value string) error {
	v := exec.Variable{Key: key, Value: value}
	if encrypted, err := s.secrets.Encrypt(ctx, value); err == nil {
		v.Value, v.IsEncrypted = encrypted, true
	} else if !errors.Is(err, secrets.ErrSecretUnavailable) {
		logger.Warn(ctx, "Failed to encrypt variable, storing plaintext", tag.Key(key), tag.Error(err))
	}
	return s.q.SetVariable(ctx, v)
}

// SetJSON stores the JSON encoding of value.
func (s *Service) SetJSON(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode variable %s: %w", key, err)
	}
	return s.Set(ctx, key, string(data))
}

// SetDefault returns the value of key, storing def first when the key
// does not exist yet.
func (s *Service) SetDefault(ctx context.Context, key, def string) (string, error) {
	v, err := s.Get(ctx, key)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, exec.ErrNotFound) {
		return "", err
	}
	if err := s.Set(ctx, key, def); err != nil {
		return "", err
	}
	return def, nil
}

// Delete removes key.
func (s *Service) Delete(ctx context.Context, key string) error {
	return s.q.DeleteVariable(ctx, key)
}

// List returns every variable as stored, without decrypting values.
func (s *Service) List(ctx context.Context) ([]exec.Variable, error) {
	return s.q.ListVariables(ctx)
}
