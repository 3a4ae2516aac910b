package main

import (
	"os"

	"github.com/shareonce/shareonce/cmd"
)

func main() {
	if err := cmd.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
