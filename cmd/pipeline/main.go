package main

import (
	"os"

	"github.com/pageza/alchemorsel-v2/pipeline/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
