// Package main is the entry point for the script worker binary.
package main

import (
	"os"

	"github.com/queryportal/scriptworker/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
