package main

import (
	"os"

	"github.com/gregpriday/go-work-manager/cmd/workctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
