// Package main provides the entry point for the docuvec CLI.
package main

import (
	"os"

	"github.com/docuvec/docuvec/cmd/docuvec/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
