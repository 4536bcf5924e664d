// Package connection stores how tasks reach external systems. Passwords
// and extra parameters are encrypted with the configured secrets.Store
// when one is available.
package connection

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

// Service reads and writes connections.
type Service struct {
	q       exec.Queries
	secrets secrets.Store
}

// New returns a Service. A nil secrets store keeps secrets in plaintext.
func New(q exec.Queries, s secrets.Store) *Service {
	if s == nil {
		s = secrets.Unavailable()
	}
	return &Service{q: q, secrets: s}
}

// Get returns connID with Password and Extra decrypted. The encryption
// flags describe how the values are stored.
func (s *Service) Get(ctx context.Context, connID string) (*exec.Connection, error) {
	c, err := s.q.GetConnection(ctx, connID)
	if err != nil {
		return nil, err
	}
	if c.IsEncrypted && c.Password != "" {
		if c.Password, err = s.secrets.Decrypt(ctx, c.Password); err != nil {
			return nil, fmt.Errorf("decrypt password of connection %s: %w", connID, err)
		}
	}
	if c.IsExtraEncrypted && c.Extra != "" {
		if c.Extra, err = s.secrets.Decrypt(ctx, c.Extra); err != nil {
			return nil, fmt.Errorf("decrypt extra of connection %s: %w", connID, err)
		}
	}
	return c, nil
}

// Set stores c, replacing any connection with the same id. A non-empty
// password or extra is encrypted; when that fails the value is kept in
// plaintext and flagged as such.
func (s *Service) Set(ctx context.Context, c exec.Connection) error {
	if c.ConnID == "" {
		return ErrNoConnID
	}
	c.Password, c.IsEncrypted = s.seal(ctx, c.ConnID, "password", c.Password)
	c.Extra, c.IsExtraEncrypted = s.seal(ctx, c.ConnID, "extra", c.Extra)
	return s.q.UpsertConnection(ctx, c)
}

func (s *Service) seal(ctx context.Context, connID, field, value string) (string, bool) {
	if value == "" {
		return "", false
	}
	encrypted, err := s.secrets.Encrypt(ctx, value)
	if err == nil {
		return encrypted, true
	}
	if !errors.Is(err, secrets.ErrSecretUnavailable) {
		logger.Warn(ctx, "Failed to encrypt connection "+field+", storing plaintext",
			tag.Key(connID), tag.Error(err))
	}
	return value, false
}

// Delete removes connID.
func (s *Service) Delete(ctx context.Context, connID string) error {
	return s.q.DeleteConnection(ctx, connID)
}

// List returns every connection as stored, without decrypting secrets.
func (s *Service) List(ctx context.Context) ([]exec.Connection, error) {
	return s.q.ListConnections(ctx)
}

// ExtraJSON decodes the extra parameters of a decrypted connection. An
// empty extra yields an empty map.
func ExtraJSON(c exec.Connection) (map[string]any, error) {
	out := map[string]any{}
	if c.Extra == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(c.Extra), &out); err != nil {
		return nil, fmt.Errorf("decode extra of connection %s: %w", c.ConnID, err)
	}
	return out, nil
}
