package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-authserver/security"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a key for encryption at rest",
		Long: `Prints a random base64-encoded AES-256 key suitable for
security.encryption_key or MCP_AUTH_ENCRYPTION_KEY.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := security.GenerateKey()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), security.KeyToBase64(key))
			return err
		},
	}
}
