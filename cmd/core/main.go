// Package main provides the schoolsync command line tool.
// It runs sync passes and inspects the local queue without the desktop server.
package main

import (
	"os"
)

// Version is set at build time via -ldflags "-X main.Version=...".
var Version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
