// Package main is the entry point for the chat-shell CLI.
package main

import (
	"fmt"
	"os"

	"github.com/chatshell/chat-shell/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
