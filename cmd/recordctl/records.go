package main

import (
	"github.com/spf13/cobra"

	"github.com/medrex/emr-ledger/internal/records"
	"github.com/medrex/emr-ledger/pkg/types"
)

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the wallet identity's role and capabilities",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(rt.Orchestrator.Whoami(cmd.Context()))
	},
}

var roleCmd = &cobra.Command{
	Use:   "role <address>",
	Short: "Resolve the role of any identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseAddress(args[0], "identity")
		if err != nil {
			return err
		}
		return printJSON(rt.Orchestrator.Resolve(cmd.Context(), id))
	},
}

var registerWriterCmd = &cobra.Command{
	Use:   "register-writer <address>",
	Short: "Add a writer to the registry (administrator only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		writer, err := parseAddress(args[0], "writer")
		if err != nil {
			return err
		}
		return printJSON(rt.Orchestrator.RegisterWriter(cmd.Context(), writer))
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish <patient>",
	Short: "Encrypt, store and index a record for a patient",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patient, err := parseAddress(args[0], "patient")
		if err != nil {
			return err
		}

		flags := cmd.Flags()
		recordType, _ := flags.GetString("type")
		location, _ := flags.GetString("location")
		bloodType, _ := flags.GetString("blood-type")
		quantity, _ := flags.GetString("quantity")
		pressure, _ := flags.GetString("blood-pressure")
		notes, _ := flags.GetString("notes")

		return printJSON(rt.Orchestrator.Publish(cmd.Context(), records.PublishRequest{
			Patient:    patient,
			RecordType: recordType,
			Location:   location,
			Record: types.DecryptedRecord{
				BloodType:     bloodType,
				Quantity:      quantity,
				BloodPressure: pressure,
				Notes:         notes,
			},
		}))
	},
}

var retrieveCmd = &cobra.Command{
	Use:   "retrieve <patient>",
	Short: "List and decrypt a patient's records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patient, err := parseAddress(args[0], "patient")
		if err != nil {
			return err
		}
		return printJSON(rt.Orchestrator.Retrieve(cmd.Context(), patient))
	},
}

func init() {
	rootCmd.AddCommand(whoamiCmd, roleCmd, registerWriterCmd, publishCmd, retrieveCmd)

	publishCmd.Flags().String("type", "", "Record type (required)")
	publishCmd.Flags().String("location", "", "Where the record was taken (required)")
	publishCmd.Flags().String("blood-type", "", "Blood type")
	publishCmd.Flags().String("quantity", "", "Volume; bare numbers are read as ml")
	publishCmd.Flags().String("blood-pressure", "", "Blood pressure")
	publishCmd.Flags().String("notes", "", "Clinician notes")
	_ = publishCmd.MarkFlagRequired("type")
	_ = publishCmd.MarkFlagRequired("location")
}
