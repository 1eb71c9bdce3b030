package main

import (
	"os"

	"github.com/carverauto/serviceradar/srql/internal/cli"
)

func main() {
	os.Exit(int(cli.Run()))
}
