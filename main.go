package main

import (
	"os"

	"github.com/leftmike/falcon/cmd"
)

func main() {
	if cmd.Execute() != nil {
		os.Exit(1)
	}
}
