// Package main provides the entry point for the qarag CLI.
package main

import (
	"os"

	"github.com/supnum/qarag/cmd/qarag/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
