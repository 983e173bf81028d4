package main

import (
	_ "time/tzdata"

	"github.com/nfrund/parley/cmd/parley/cmd"
)

func main() {
	cmd.Execute()
}
