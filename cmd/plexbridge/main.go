// Package main is the entry point for the plexbridge application.
package main

import (
	"os"

	"github.com/zane33/plexbridge/cmd/plexbridge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
