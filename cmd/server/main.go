package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"clinical-sim/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "clinical-sim",
	Short: "Clinical simulation orchestration engine",
	Long:  "Runs simulated patient encounters: sessions, disclosures, diagnostics, treatments, and evaluation.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file (environment variables override it)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	return config.Load(path)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
