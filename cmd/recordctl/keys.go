package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/medrex/emr-ledger/internal/auth"
	"github.com/medrex/emr-ledger/pkg/encryption"
)

var genSecretCmd = &cobra.Command{
	Use:         "gen-secret",
	Short:       "Print a fresh random master secret for encryption.master_secret",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{offline: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := encryption.GenerateSecret()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), secret)
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API bearer token for the wallet identity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		identity, err := rt.Ledger.Caller()
		if err != nil {
			return err
		}
		tv, err := auth.NewTokenValidator(rt.Config.JWT, identity)
		if err != nil {
			return err
		}
		token, expiresAt, err := tv.Issue(identity)
		return printJSON(map[string]interface{}{
			"access_token": token,
			"token_type":   "Bearer",
			"expires_at":   expiresAt,
			"identity":     identity,
		}, err)
	},
}

func init() {
	rootCmd.AddCommand(genSecretCmd, tokenCmd)
}
