package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.pdpstore.dev/synapse/api"
)

var (
	apiAddress  string
	apiPassword string

	rootCmd = &cobra.Command{
		Use:           "synapse",
		Short:         "Store and retrieve pieces through a synapsed daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func client() *api.Client {
	return api.NewClient(apiAddress, apiPassword)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddress, "api", "http://localhost:8484/api", "address of the synapsed API")
	rootCmd.PersistentFlags().StringVar(&apiPassword, "password", os.Getenv("SYNAPSE_API_PASSWORD"), "password of the synapsed API")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
