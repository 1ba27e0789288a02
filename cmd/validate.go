package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/inkhaus/autopress/internal/autoerr"
	"github.com/inkhaus/autopress/internal/ticket"
)

var validateCmd = &cobra.Command{
	Use:   "validate <ticket.json>",
	Short: "Validate and normalize a job ticket without running it",
	Long: `Validate parses the ticket against the schema, applies defaults, and
resolves the output path, reporting the normalized ticket on success.
Exit code 1 means the ticket is invalid.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(_ *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return autoerr.Wrap(autoerr.CodeValidationError, err, "reading ticket %s", args[0])
	}

	t, err := ticket.Parse(raw)
	if err != nil {
		return err
	}
	if err := ticket.Normalize(t, cfg); err != nil {
		return err
	}

	data, _ := json.MarshalIndent(t, "", "  ")
	fmt.Println(string(data))
	return nil
}
