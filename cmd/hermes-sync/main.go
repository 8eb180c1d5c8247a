package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/hermes-sync/internal/cli"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
