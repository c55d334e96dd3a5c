package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "orca",
	Short:         "Resilient chat orchestration with document analysis",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(chatCmd, analyzeCmd)
	rootCmd.AddCommand(documentsCmd, interactionsCmd, cacheCmd, promptCmd)
	rootCmd.AddCommand(dataCmd, configCmd)
}

func main() {
	// A .env in the working directory seeds ORCA_* variables; real
	// environment values win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		printWarning("could not load .env: %v", err)
	}

	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
