package main

import (
	"github.com/spf13/cobra"
)

var grantCmd = &cobra.Command{
	Use:   "grant <reader>",
	Short: "Let a reader list your records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reader, err := parseAddress(args[0], "reader")
		if err != nil {
			return err
		}
		return printJSON(rt.Orchestrator.GrantAccess(cmd.Context(), reader))
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <reader>",
	Short: "Withdraw a reader's access to your records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reader, err := parseAddress(args[0], "reader")
		if err != nil {
			return err
		}
		return printJSON(rt.Orchestrator.RevokeAccess(cmd.Context(), reader))
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <patient> <reader>",
	Short: "Show whether a reader currently holds a grant",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		patient, err := parseAddress(args[0], "patient")
		if err != nil {
			return err
		}
		reader, err := parseAddress(args[1], "reader")
		if err != nil {
			return err
		}
		granted, err := rt.Orchestrator.CheckAccess(cmd.Context(), patient, reader)
		return printJSON(map[string]interface{}{"patient": patient, "reader": reader, "granted": granted}, err)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <patient>",
	Short: "Show grant and revoke events recorded on the ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patient, err := parseAddress(args[0], "patient")
		if err != nil {
			return err
		}
		return printJSON(rt.Orchestrator.AccessHistory(cmd.Context(), patient))
	},
}

var journalCmd = &cobra.Command{
	Use:   "journal <patient>",
	Short: "Show the document store's copy of access changes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patient, err := parseAddress(args[0], "patient")
		if err != nil {
			return err
		}
		return printJSON(rt.Orchestrator.AccessJournal(cmd.Context(), patient))
	},
}

func init() {
	rootCmd.AddCommand(grantCmd, revokeCmd, checkCmd, historyCmd, journalCmd)
}
