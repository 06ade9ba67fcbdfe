// Package main is the entry point for clinic-calendar-sync.
package main

import (
	"os"

	"github.com/rs/zerolog/log"

	"clinic-calendar-sync/internal/cli"
)

func main() {
	cli.Init()

	if err := cli.RootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
