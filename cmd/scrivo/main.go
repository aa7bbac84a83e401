// Package main is the entry point for the scrivo CLI.
package main

import (
	"os"

	"github.com/scrivohq/scrivo/cmd/scrivo/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
