package main

import (
	"os"

	"github.com/ratchetmesh/ratchetmesh/cmd/ratchetmesh/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
