package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/diagnosis-cli/internal/diagnosis"
)

var (
	submitCompany  string
	submitContact  string
	submitEmail    string
	submitPhone    string
	submitIndustry string
	submitWatch    bool
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a diagnosis request to a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("client"); err != nil {
			return err
		}

		client := newAPIClient(cfg.Client.ServerURL)
		jobID, err := client.submit(cmd.Context(), diagnosis.Request{
			Company:  submitCompany,
			Contact:  submitContact,
			Email:    submitEmail,
			Phone:    submitPhone,
			Industry: submitIndustry,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), jobID)

		if !submitWatch {
			return nil
		}
		interval := time.Duration(cfg.Client.PollIntervalSecs) * time.Second
		return watchJob(cmd.Context(), client, jobID, interval, cmd.OutOrStdout())
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitCompany, "company", "", "company name")
	submitCmd.Flags().StringVar(&submitContact, "contact", "", "contact person name")
	submitCmd.Flags().StringVar(&submitEmail, "email", "", "contact email")
	submitCmd.Flags().StringVar(&submitPhone, "phone", "", "contact phone number")
	submitCmd.Flags().StringVar(&submitIndustry, "industry", "", "industry (optional)")
	submitCmd.Flags().BoolVar(&submitWatch, "watch", false, "poll until the job finishes")
	_ = submitCmd.MarkFlagRequired("company")
	_ = submitCmd.MarkFlagRequired("email")
	_ = submitCmd.MarkFlagRequired("phone")
	rootCmd.AddCommand(submitCmd)
}
