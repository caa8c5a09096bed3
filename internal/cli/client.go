package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	oauth "github.com/giantswarm/mcp-authserver"
	"github.com/giantswarm/mcp-authserver/server"
)

func newClientCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage registered OAuth clients",
		Long: `Manage OAuth clients directly in the configured store, without going
through the registration endpoint.`,
	}
	cmd.AddCommand(newClientRegisterCmd(opts))
	cmd.AddCommand(newClientRotateSecretCmd(opts))
	cmd.AddCommand(newClientDeleteCmd(opts))
	return cmd
}

// withCore opens the backends, runs fn against a protocol core and closes
// everything afterwards.
func withCore(cmd *cobra.Command, opts *rootOptions, fn func(core *server.Server) error) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	b, err := openBackends(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	core, err := server.New(b.Store, b.Consents, cfg.ServerConfig(), logger)
	if err != nil {
		return err
	}
	return fn(core)
}

func newClientRegisterCmd(opts *rootOptions) *cobra.Command {
	var (
		name         string
		redirectURIs []string
		grantTypes   []string
		scope        string
		public       bool
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a client and print its credentials",
		Long: `Registers a client and prints the registration as JSON. The client
secret is only shown once.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd, opts, func(core *server.Server) error {
				reg, err := core.Clients.RegisterClient(cmd.Context(), server.ClientMetadata{
					ClientName:   name,
					RedirectURIs: redirectURIs,
					GrantTypes:   grantTypes,
					Scope:        scope,
					Public:       public,
				})
				if err != nil {
					return fmt.Errorf("failed to register client: %w", err)
				}
				return printRegistration(cmd.OutOrStdout(), reg)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Human-readable client name")
	cmd.Flags().StringSliceVar(&redirectURIs, "redirect-uri", nil, "Allowed redirect URI (repeatable)")
	cmd.Flags().StringSliceVar(&grantTypes, "grant-type", nil, "Allowed grant type (repeatable, default authorization_code)")
	cmd.Flags().StringVar(&scope, "scope", "", "Space-delimited scopes the client may request")
	cmd.Flags().BoolVar(&public, "public", false, "Register a public client without a secret")
	return cmd
}

func newClientRotateSecretCmd(opts *rootOptions) *cobra.Command {
	var currentSecret string

	cmd := &cobra.Command{
		Use:   "rotate-secret CLIENT_ID",
		Short: "Issue a new secret for a confidential client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, opts, func(core *server.Server) error {
				reg, err := core.Clients.RotateClientSecret(cmd.Context(), args[0], currentSecret)
				if err != nil {
					return fmt.Errorf("failed to rotate secret: %w", err)
				}
				return printRegistration(cmd.OutOrStdout(), reg)
			})
		},
	}
	cmd.Flags().StringVar(&currentSecret, "current-secret", "", "The client's current secret")
	_ = cmd.MarkFlagRequired("current-secret")
	return cmd
}

func newClientDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete CLIENT_ID",
		Short: "Delete a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, opts, func(core *server.Server) error {
				if err := core.Clients.DeleteClient(cmd.Context(), args[0]); err != nil {
					return fmt.Errorf("failed to delete client: %w", err)
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "Deleted client %s\n", args[0])
				return err
			})
		},
	}
}

// printRegistration writes reg in the RFC 7591 response shape.
func printRegistration(w io.Writer, reg *server.Registration) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(oauth.NewClientRegistrationResponse(reg))
}
