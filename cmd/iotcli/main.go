// Package main provides the entry point for the iotcli device client.
package main

import (
	"os"

	"github.com/cafjs/iotcli/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
