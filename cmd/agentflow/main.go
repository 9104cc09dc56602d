package main

import (
	"fmt"
	"os"

	"github.com/hulrap/agentflow/internal/cli"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "agentflow"}

func main() {
	// Load .env if present; provider keys and DB settings may live there.
	_ = godotenv.Load()

	rootCmd.PersistentFlags().String("db", os.Getenv("DATABASE_URL"), "Database connection string")
	rootCmd.PersistentFlags().String("definitions", "definitions", "Directory of workflow definition YAML files")
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
