// Command uniquesd serves daily and month-to-date unique visitor counts.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "uniquesd",
	Short:        "Unique visitor counting service",
	SilenceUsage: true,
	RunE:         runServe,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "YAML config file; environment variables override it")
	rootCmd.AddCommand(serveCmd, migrateCmd, warmCmd)
}
