package main

import (
	"fmt"
	"os"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := buildRootCmd(os.LookupEnv)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tfview:", err)
		os.Exit(1)
	}
}
