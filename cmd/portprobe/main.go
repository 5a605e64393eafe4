package main

import (
	"os"

	"github.com/hitushen/portprobe/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
