package main

import (
	"fmt"
	"os"

	"github.com/wabridge/wabridge/bridge"
	"github.com/wabridge/wabridge/bridge/cli"
)

var version = "dev"

func main() {
	root := cli.NewRootCmd(version, bridge.Options{})
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
