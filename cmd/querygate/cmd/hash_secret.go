package cmd

import (
	"fmt"

	"github.com/alexedwards/argon2id"
	"github.com/spf13/cobra"
)

var hashSecretCmd = &cobra.Command{
	Use:   "hash-secret [token]",
	Short: "Generate an argon2id hash for the launcher token",
	Long: `Generate an argon2id hash of a launcher token for use in config.

The output can be used directly as the launcher.token_hash field. At startup
the server verifies the MCP_LAUNCHER_TOKEN environment variable against this
hash and refuses to start on mismatch.

Example:
  querygate hash-secret "my-launcher-token"

Security note: the token will appear in shell history. Consider using an
environment variable instead:
  querygate hash-secret "$MY_LAUNCHER_TOKEN"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := argon2id.CreateHash(args[0], argon2id.DefaultParams)
		if err != nil {
			return fmt.Errorf("hashing token: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashSecretCmd)
}
