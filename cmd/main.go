package main

import (
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"

	"github.com/cexll/ticketbridge/internal/config"
	"github.com/cexll/ticketbridge/internal/dispatcher"
	"github.com/cexll/ticketbridge/internal/storage"
)

const version = "0.3.0"

var (
	loadDotEnv                   = godotenv.Load
	loadConfig                   = config.Load
	openStore                    = storage.Open
	newDispatcher                = dispatcher.New
	defaultListenServe           = listenAndServe
	logOutput          io.Writer = os.Stderr
)

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
