package main

import (
	"os"

	"github.com/psantana5/diffusion-optimizer/cmd/sdopt/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
