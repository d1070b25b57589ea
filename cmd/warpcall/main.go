package main

import (
	"github.com/rs/zerolog"

	"github.com/BioHazard786/warpcall/internal/cli"
	"github.com/BioHazard786/warpcall/internal/logging"
)

func main() {
	// The terminal UI owns the screen; only errors are logged unless LOG_LEVEL says otherwise.
	logging.Init(zerolog.ErrorLevel)
	cli.Execute()
}
