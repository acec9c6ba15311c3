package cmd

import (
	"fmt"
	"os"

	"github.com/alexedwards/argon2id"
	"github.com/spf13/cobra"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Generate an argon2id hash for the admin API key",
	Long: `Generate an argon2id hash of an API key for use in config.

Put the output in the admin_api_key_hash config field (or the
ADMIN_API_KEY_HASH environment variable) to allow non-localhost
management requests carrying the key in the X-Api-Key header.

Security note: the key will appear in shell history. Prefer:
  trustgate hash-key "$MY_API_KEY"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		hash, err := argon2id.CreateHash(args[0], argon2id.DefaultParams)
		if err != nil {
			fmt.Fprintln(os.Stderr, "hash failed:", err)
			os.Exit(1)
		}
		fmt.Println(hash)
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
