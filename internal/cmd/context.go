package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dagucloud/dagsched/internal/cmn/config"
	"github.com/dagucloud/dagsched/internal/cmn/logger"
	"github.com/dagucloud/dagsched/internal/cmn/logger/tag"
	"github.com/dagucloud/dagsched/internal/cmn/secrets"
	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
	"github.com/dagucloud/dagsched/internal/dagbag"
	"github.com/dagucloud/dagsched/internal/executor"
	"github.com/dagucloud/dagsched/internal/persis/sqlstore"
)

// Context holds the configuration for a command.
type Context struct {
	context.Context

	Command *cobra.Command
	Config  *config.Config
	Quiet   bool

	store *sqlstore.Store
}

// NewContext loads the configuration and sets up the logger. Log lines
// go to the command's error writer unless --quiet is set.
func NewContext(cmd *cobra.Command) (*Context, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	quiet, err := cmd.Flags().GetBool("quiet")
	if err != nil {
		return nil, fmt.Errorf("failed to get quiet flag: %w", err)
	}

	var loaderOpts []config.ConfigLoaderOption
	if cfgPath, _ := cmd.Flags().GetString("config"); cfgPath != "" {
		loaderOpts = append(loaderOpts, config.WithConfigFile(cfgPath))
	}
	cfg, err := config.Load(loaderOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dagsDir, _ := cmd.Flags().GetString("dags"); dagsDir != "" {
		cfg.Paths.DAGsDir = dagsDir
	}

	opts := []logger.Option{logger.WithQuiet()}
	if cfg.Core.Debug || os.Getenv("DEBUG") != "" {
		opts = append(opts, logger.WithDebug())
	}
	if cfg.Core.LogFormat != "" {
		opts = append(opts, logger.WithFormat(cfg.Core.LogFormat))
	}
	if !quiet {
		opts = append(opts, logger.WithWriter(cmd.ErrOrStderr()))
	}
	ctx = logger.WithLogger(ctx, logger.NewLogger(opts...))

	for _, w := range cfg.Warnings {
		logger.Warn(ctx, w)
	}

	return &Context{
		Context: ctx,
		Command: cmd,
		Config:  cfg,
		Quiet:   quiet,
	}, nil
}

// Store opens the configured database and applies pending migrations.
// The store is shared by later calls and closed by Close.
func (c *Context) Store() (*sqlstore.Store, error) {
	if c.store != nil {
		return c.store, nil
	}
	store, err := sqlstore.Open(c, sqlstore.Options{
		Driver:           c.Config.Database.Driver,
		DSN:              c.Config.Database.DSN,
		MaxOpenConns:     c.Config.Database.MaxOpenConns,
		MaxIdleConns:     c.Config.Database.MaxIdleConns,
		ConnMaxLifetime:  c.Config.Database.ConnMaxLifetime,
		DefaultPoolSlots: c.Config.Core.NonPooledTaskSlotCount,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", c.Config.Database.Driver, err)
	}
	if err := store.Migrate(c); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	c.store = store
	return store, nil
}

func (c *Context) Close() {
	if c.store == nil {
		return
	}
	if err := c.store.Close(); err != nil {
		logger.Warn(c, "Failed to close store", tag.Error(err))
	}
	c.store = nil
}

// DagBag collects the DAG folder into a bag bound to the store.
func (c *Context) DagBag(opts ...dagbag.Option) (*dagbag.DagBag, error) {
	store, err := c.Store()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(c.Config.Paths.DAGsDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create DAGs directory %s: %w", c.Config.Paths.DAGsDir, err)
	}
	opts = append([]dagbag.Option{dagbag.WithConfig(c.Config), dagbag.WithStore(store)}, opts...)
	bag := dagbag.New(c.Config.Paths.DAGsDir, opts...)
	if err := bag.CollectDAGs(c, "", false); err != nil {
		return nil, fmt.Errorf("failed to collect DAGs from %s: %w", c.Config.Paths.DAGsDir, err)
	}
	return bag, nil
}

// DAG returns the DAG with id from a freshly collected bag.
func (c *Context) DAG(id string) (*core.DAG, *dagbag.DagBag, error) {
	bag, err := c.DagBag()
	if err != nil {
		return nil, nil, err
	}
	dag, err := bag.GetDAG(c, id)
	if err != nil {
		return nil, nil, err
	}
	return dag, bag, nil
}

// Executor builds the executor selected by executor.type.
func (c *Context) Executor() (exec.Executor, error) {
	switch c.Config.Executor.Type {
	case "", "local":
		return executor.NewLocal(c.Config.Executor.Workers,
			executor.WithHeartbeatInterval(c.Config.Scheduler.HeartbeatInterval)), nil
	case "redis":
		return executor.NewRedis(executor.NewRedisClient(c.Config), c.Config.Executor.QueueKey), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnsupportedExecutor, c.Config.Executor.Type)
	}
}

// Secrets returns the configured provider. When it cannot be built the
// unavailable store is returned and values are kept in plaintext.
func (c *Context) Secrets() secrets.Store {
	s, err := secrets.New(secrets.Config{
		Provider:      c.Config.Secrets.Provider,
		EncryptionKey: c.Config.Secrets.EncryptionKey,
		VaultAddress:  c.Config.Secrets.VaultAddress,
		VaultToken:    c.Config.Secrets.VaultToken,
		VaultMount:    c.Config.Secrets.VaultMount,
		VaultKeyName:  c.Config.Secrets.VaultKeyName,
	})
	if err != nil {
		logger.Warn(c, "Secret provider unavailable, values are stored in plaintext",
			tag.String("provider", c.Config.Secrets.Provider), tag.Error(err))
		return secrets.Unavailable()
	}
	return s
}

// NewCommand wires flags and run into cmd. The context is closed after
// run returns.
func NewCommand(cmd *cobra.Command, flags []commandLineFlag, run func(ctx *Context, args []string) error) *cobra.Command {
	initFlags(cmd, flags...)
	cmd.SilenceUsage = true

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx, err := NewContext(cmd)
		if err != nil {
			return fmt.Errorf("initialization error: %w", err)
		}
		defer ctx.Close()

		if err := run(ctx, args); err != nil {
			logger.Error(ctx, "Command failed", tag.Error(err))
			return err
		}
		return nil
	}
	return cmd
}

// withSignals cancels the returned context on SIGINT or SIGTERM.
func (c *Context) withSignals() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c, syscall.SIGINT, syscall.SIGTERM)
}

// parseDate accepts a date or an RFC 3339 timestamp in the configured
// location.
func (c *Context) parseDate(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	loc := c.Config.Core.Location
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: --%s %q", errInvalidDate, name, value)
}

var errInvalidDate = errors.New("invalid date")
