package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/query-gate/querygate/internal/domain/audit"
)

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint [statement]",
	Short: "Print the audit fingerprint of a SQL statement",
	Long: `Print the fingerprint that would appear in audit events for the given
SQL statement, using the AUDIT_SECRET environment variable.

Two statements with the same shape (literals replaced, comments stripped,
case and whitespace normalized) produce the same fingerprint, which lets
operators correlate audit events with a statement without the audit trail
ever containing raw SQL.

Example:
  AUDIT_SECRET=... querygate fingerprint "SELECT id FROM public.users u WHERE u.id = 42"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := os.Getenv("AUDIT_SECRET")
		fp, err := audit.NewFingerprinter([]byte(secret))
		if err != nil {
			return fmt.Errorf("AUDIT_SECRET: %w", err)
		}
		fmt.Println(fp.Fingerprint(args[0]))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(fingerprintCmd)
}
