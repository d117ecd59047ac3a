package main

import (
	"os"

	// Display zones resolve on hosts without a zoneinfo database
	_ "time/tzdata"

	"github.com/harun/livetrack/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
