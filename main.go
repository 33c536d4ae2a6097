package main

import (
	"os"

	"github.com/ledgergate/ledgergate/internal/cli"
)

func main() {
	cli.InitCLI()
	os.Exit(cli.ExecuteWithErrorCode(os.Args[1:]))
}
