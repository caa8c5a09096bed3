// Package cli implements the mcp-authserver command line.
package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-authserver/internal/config"
)

const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1
)

var version = "dev"

// SetVersion sets the version reported by --version and the version command.
func SetVersion(v string) {
	version = v
}

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	envFiles   []string
}

// load reads the configuration and builds the logger it asks for.
func (o *rootOptions) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath, o.envFiles...)
	if err != nil {
		return nil, nil, err
	}
	level, err := cfg.Level()
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return &cfg, logger, nil
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "mcp-authserver",
		Short: "OAuth 2.1 authorization server for MCP deployments",
		Long: `mcp-authserver issues opaque access and refresh tokens for MCP clients.
It implements the authorization code grant with PKCE, refresh token rotation,
client credentials, dynamic client registration, token revocation and a
consent API. End users are authenticated by a fronting proxy that sets the
configured user header.`,
		Version:      version,
		SilenceUsage: true,
	}
	cmd.SetVersionTemplate(`{{printf "mcp-authserver version %s\n" .Version}}`)

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to the YAML configuration file")
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "Env files loaded before applying MCP_AUTH_* overrides")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newClientCmd(opts))
	cmd.AddCommand(newCleanupCmd(opts))
	cmd.AddCommand(newKeygenCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the root command and exits with ExitCodeError on failure.
func Execute() {
	if err := NewRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(ExitCodeError)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("mcp-authserver version %s\n", version)
		},
	}
}
