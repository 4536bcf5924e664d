package cmd

import (
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/dagucloud/dagsched/internal/connection"
	"github.com/dagucloud/dagsched/internal/core/exec"
)

func Connections() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "Manage connections",
		Long: `Read and write the connections tasks use to reach external systems.
Passwords and extra parameters are encrypted with the configured secrets
provider when one is available.

Example:
  dagsched connections add warehouse --uri postgresql://etl:secret@db:5432/sales
  dagsched connections add cache --type redis --host cache --port 6379
  dagsched connections get warehouse
`,
	}
	cmd.AddCommand(connectionsAdd(), connectionsGet(), connectionsList(), connectionsDelete())
	return cmd
}

func connectionService(ctx *Context) (*connection.Service, error) {
	store, err := ctx.Store()
	if err != nil {
		return nil, err
	}
	return connection.New(store, ctx.Secrets()), nil
}

var connectionFlags = []commandLineFlag{
	{name: "uri", usage: "connection URI; the other connection flags are ignored when set"},
	{name: "type", usage: "connection type"},
	{name: "host", usage: "host name"},
	{name: "port", usage: "port number"},
	{name: "login", usage: "login name"},
	{name: "password", usage: "password"},
	{name: "schema", usage: "schema or database name"},
	{name: "extra", usage: "extra parameters as a JSON object"},
}

func connectionFromFlags(ctx *Context, connID string) (exec.Connection, error) {
	flags := ctx.Command.Flags()
	if uri, _ := flags.GetString("uri"); uri != "" {
		return connection.ParseURI(connID, uri)
	}
	c := exec.Connection{ConnID: connID}
	c.ConnType, _ = flags.GetString("type")
	c.Host, _ = flags.GetString("host")
	c.Login, _ = flags.GetString("login")
	c.Password, _ = flags.GetString("password")
	c.Schema, _ = flags.GetString("schema")
	c.Extra, _ = flags.GetString("extra")
	if port, _ := flags.GetString("port"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return c, fmt.Errorf("invalid port %q: %w", port, err)
		}
		c.Port = n
	}
	if c.ConnType == "" {
		return c, fmt.Errorf("connection %s: --uri or --type is required", connID)
	}
	if _, err := connection.ExtraJSON(c); err != nil {
		return c, err
	}
	return c, nil
}

func connectionsAdd() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "add [flags] CONN_ID",
			Short: "Create or replace a connection",
			Args:  cobra.ExactArgs(1),
		},
		connectionFlags,
		func(ctx *Context, args []string) error {
			c, err := connectionFromFlags(ctx, args[0])
			if err != nil {
				return err
			}
			svc, err := connectionService(ctx)
			if err != nil {
				return err
			}
			if err := svc.Set(ctx, c); err != nil {
				return err
			}
			_, err = fmt.Fprintf(ctx.Command.OutOrStdout(), "Connection %s set\n", args[0])
			return err
		},
	)
}

func connectionsGet() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "get [flags] CONN_ID",
			Short: "Print a connection as a URI",
			Args:  cobra.ExactArgs(1),
		},
		[]commandLineFlag{{name: "show-password", usage: "print the password instead of masking it", isBool: true}},
		func(ctx *Context, args []string) error {
			svc, err := connectionService(ctx)
			if err != nil {
				return err
			}
			c, err := svc.Get(ctx, args[0])
			if err != nil {
				return fmt.Errorf("connection %s: %w", args[0], err)
			}
			uri := connection.RedactedURI(*c)
			if show, _ := ctx.Command.Flags().GetBool("show-password"); show {
				uri = connection.URI(*c)
			}
			_, err = fmt.Fprintln(ctx.Command.OutOrStdout(), uri)
			return err
		},
	)
}

func connectionsList() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List connections",
			Args:  cobra.NoArgs,
		}, nil,
		func(ctx *Context, _ []string) error {
			svc, err := connectionService(ctx)
			if err != nil {
				return err
			}
			conns, err := svc.List(ctx)
			if err != nil {
				return err
			}
			t := table.NewWriter()
			t.SetOutputMirror(ctx.Command.OutOrStdout())
			t.AppendHeader(table.Row{"Conn ID", "Type", "Host", "Port", "Schema", "Encrypted", "Extra Encrypted"})
			for _, c := range conns {
				t.AppendRow(table.Row{c.ConnID, c.ConnType, c.Host, c.Port, c.Schema, c.IsEncrypted, c.IsExtraEncrypted})
			}
			t.Render()
			return nil
		},
	)
}

func connectionsDelete() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "delete [flags] CONN_ID",
			Short: "Delete a connection",
			Args:  cobra.ExactArgs(1),
		}, nil,
		func(ctx *Context, args []string) error {
			svc, err := connectionService(ctx)
			if err != nil {
				return err
			}
			if err := svc.Delete(ctx, args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(ctx.Command.OutOrStdout(), "Connection %s deleted\n", args[0])
			return err
		},
	)
}
