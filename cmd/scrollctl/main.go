package main

import (
	"os"

	"example.com/scrollmeter/internal/ctl"
)

func main() {
	if err := ctl.NewRootCmd(ctl.Version).Execute(); err != nil {
		os.Exit(1)
	}
}
