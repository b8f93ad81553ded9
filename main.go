package main

import (
	"os"

	"github.com/kebairia/hostsave/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
