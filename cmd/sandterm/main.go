// sandterm: ephemeral sandboxed terminals over websocket.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sandterm",
	Short: "sandterm: ephemeral sandboxed terminals over websocket.",
	Long: `sandterm brokers interactive shell sessions. Every websocket connection
gets a fresh, resource-limited container with no network access, and the
container is destroyed when the connection ends or goes idle.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, sweepCmd, connectCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
