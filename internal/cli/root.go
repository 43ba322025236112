// Package cli implements the chat-shell command line interface.
package cli

import (
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var logLevel string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "chat-shell",
	Short: "chat-shell - streaming LLM chat with tools",
	Long: `chat-shell is a streaming chat tool for LLM conversations.
It provides an interactive terminal chat loop, an SSE API server, tool
execution during responses, and pluggable conversation history storage.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}
