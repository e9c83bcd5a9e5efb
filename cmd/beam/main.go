package main

import (
	"os"

	"github.com/udisondev/beam/cmd/beam/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
