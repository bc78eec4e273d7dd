// Package main provides the entry point for the scribe CLI.
package main

import (
	"os"

	"github.com/randalmurphal/scribe/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
