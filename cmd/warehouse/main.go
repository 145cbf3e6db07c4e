package main

import (
	"os"

	"github.com/kwryankrattiger/spack-infrastructure/cmd/warehouse/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
