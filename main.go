package main

import (
	"os"

	"ebs-backup/src/cli"
)

func main() {
	os.Exit(cli.Execute())
}
