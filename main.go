package main

import (
	"os"

	"cryptsend/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
