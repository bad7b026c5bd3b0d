package main

import (
	"southwinds.dev/qstore/cli/cmd"
)

func main() {
	cmd.Execute()
}
