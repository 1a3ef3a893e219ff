package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Mirror objects from a source S3 bucket to a single-zone target bucket",
	Long:  `A queue-driven object mirror: a Dispatcher scales Workers from zero based on queue backlog, and Workers drain the queue copying or deleting objects on the target.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file (optional; no file is read if unset)")
	rootCmd.PersistentFlags().String("region", "", "AWS region")
	rootCmd.PersistentFlags().String("target-assume-role-arn", "", "IAM role to assume for target bucket access, if it lives in a different account")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug/info/warn/error)")
	rootCmd.PersistentFlags().String("metrics-addr", ":8080", "address to serve Prometheus metrics on")

	rootCmd.AddCommand(workCmd)
	rootCmd.AddCommand(dispatchCmd)
}

func main() {
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
