package main

import (
	"os"

	"github.com/arvhq/arv/cmd/arv/commands"
)

func main() {
	os.Exit(commands.Execute())
}
