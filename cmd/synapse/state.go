package main

import (
	"github.com/spf13/cobra"
)

var (
	uploadsOffset int
	uploadsLimit  int
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print the state of the daemon",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		state, err := client().State()
		if err != nil {
			return err
		}
		return printJSON(state)
	},
}

var dataSetsCmd = &cobra.Command{
	Use:   "datasets",
	Short: "List the client's data sets",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		dataSets, err := client().DataSets()
		if err != nil {
			return err
		}
		return printJSON(dataSets)
	},
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List approved providers",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		providers, err := client().Providers()
		if err != nil {
			return err
		}
		return printJSON(providers)
	},
}

var uploadsCmd = &cobra.Command{
	Use:   "uploads",
	Short: "List recorded uploads",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		uploads, err := client().Uploads(uploadsOffset, uploadsLimit)
		if err != nil {
			return err
		}
		return printJSON(uploads)
	},
}

func init() {
	rootCmd.AddCommand(stateCmd, dataSetsCmd, providersCmd, uploadsCmd)

	uploadsCmd.Flags().IntVar(&uploadsOffset, "offset", 0, "number of uploads to skip")
	uploadsCmd.Flags().IntVar(&uploadsLimit, "limit", 100, "maximum number of uploads to list")
}
