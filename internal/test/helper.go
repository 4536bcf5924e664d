package test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dagucloud/dagsched/internal/cmn/config"
	"github.com/dagucloud/dagsched/internal/cmn/logger"
	"github.com/dagucloud/dagsched/internal/persis/sqlstore"
	"github.com/goccy/go-yaml"
	"github.com/stretchr/testify/require"
)

// HelperOption defines functional options for Helper
type HelperOption func(*Options)

type Options struct {
	CaptureLoggingOutput bool
	ConfigMutators       []func(*config.Config)
}

// WithCaptureLoggingOutput creates a logging capture option
func WithCaptureLoggingOutput() HelperOption {
	return func(opts *Options) {
		opts.CaptureLoggingOutput = true
	}
}

// WithConfigMutator applies mutations to the loaded configuration before
// the store is opened.
func WithConfigMutator(mutator func(*config.Config)) HelperOption {
	return func(opts *Options) {
		opts.ConfigMutators = append(opts.ConfigMutators, mutator)
	}
}

// Helper bundles a temporary home directory, its configuration and a
// migrated SQLite store.
type Helper struct {
	Context       context.Context
	Cancel        context.CancelFunc
	Config        *config.Config
	Store         *sqlstore.Store
	LoggingOutput *SyncBuffer

	tmpDir string
}

// Setup creates a new Helper instance for testing
func Setup(t *testing.T, opts ...HelperOption) Helper {
	t.Helper()

	var options Options
	for _, opt := range opts {
		opt(&options)
	}

	tmpDir := t.TempDir()
	cfg, err := config.Load(config.WithHomeDir(tmpDir))
	require.NoError(t, err)

	cfg.Core.TZ = "UTC"
	cfg.Core.Location = time.UTC
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = filepath.Join(tmpDir, "data", "dagsched.db")
	for _, mutate := range options.ConfigMutators {
		mutate(cfg)
	}
	for _, dir := range []string{cfg.Paths.DAGsDir, cfg.Paths.DataDir, cfg.Paths.LogDir} {
		require.NoError(t, os.MkdirAll(dir, 0750))
	}

	configFile := filepath.Join(tmpDir, "config.yaml")
	writeHelperConfigFile(t, cfg, configFile)
	cfg.Paths.ConfigFileUsed = configFile

	ctx, cancel := context.WithCancel(context.Background())
	helper := Helper{
		Context: ctx,
		Cancel:  cancel,
		Config:  cfg,
		tmpDir:  tmpDir,
	}
	if options.CaptureLoggingOutput {
		helper.LoggingOutput = &SyncBuffer{buf: new(bytes.Buffer)}
		helper.Context = logger.WithLogger(helper.Context, logger.NewLogger(
			logger.WithDebug(),
			logger.WithFormat("text"),
			logger.WithWriter(helper.LoggingOutput),
		))
	} else {
		helper.Context = logger.WithLogger(helper.Context, logger.Discard())
	}

	store, err := sqlstore.Open(helper.Context, sqlstore.Options{
		Driver:           cfg.Database.Driver,
		DSN:              cfg.Database.DSN,
		DefaultPoolSlots: cfg.Core.NonPooledTaskSlotCount,
	})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(helper.Context))
	helper.Store = store

	t.Cleanup(helper.Cleanup)
	return helper
}

// writeHelperConfigFile writes a minimal config file so commands can rely
// on a stable --config path.
func writeHelperConfigFile(t *testing.T, cfg *config.Config, configPath string) {
	t.Helper()

	data, err := yaml.Marshal(map[string]any{
		"tz": cfg.Core.TZ,
		"paths": map[string]any{
			"dags_dir": cfg.Paths.DAGsDir,
			"data_dir": cfg.Paths.DataDir,
			"log_dir":  cfg.Paths.LogDir,
		},
		"database": map[string]any{
			"driver": cfg.Database.Driver,
			"dsn":    cfg.Database.DSN,
		},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(configPath, data, 0600))
}

func (h Helper) Cleanup() {
	h.Cancel()
	if h.Store != nil {
		_ = h.Store.Close()
	}
}

// TempFile writes data under the helper's temporary directory.
func (h Helper) TempFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(h.tmpDir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

// CreateDAGFile writes a DAG definition into the configured DAGs directory.
func (h Helper) CreateDAGFile(t *testing.T, name string, content string) string {
	t.Helper()
	path := filepath.Join(h.Config.Paths.DAGsDir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

// SyncBuffer is a goroutine-safe bytes.Buffer.
type SyncBuffer struct {
	buf *bytes.Buffer
	mu  sync.Mutex
}

func (b *SyncBuffer) Write(p []byte) (n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
