// Command ingestd runs the event ingestion connectors.
package main

import (
	"os"

	"github.com/custodia-labs/ingestd/internal/adapters/driving/cli"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := cli.Execute(version); err != nil {
		os.Exit(1)
	}
}
