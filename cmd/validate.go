package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/diagnosis-cli/internal/validate"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check contact fields without submitting",
}

var validatePhoneCmd = &cobra.Command{
	Use:   "phone <number>",
	Short: "Validate and normalize a phone number",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res := validate.ValidatePhone(args[0])
		if err := printJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
		if !res.IsValid {
			return eris.Errorf("invalid phone number %q", args[0])
		}
		return nil
	},
}

var validateEmailCmd = &cobra.Command{
	Use:   "email <address>",
	Short: "Validate and classify an email address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res := validate.ValidateEmail(args[0])
		if err := printJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
		if !res.IsValid {
			return eris.Errorf("invalid email address %q", args[0])
		}
		return nil
	},
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrap(err, "marshal result")
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func init() {
	validateCmd.AddCommand(validatePhoneCmd, validateEmailCmd)
	rootCmd.AddCommand(validateCmd)
}
