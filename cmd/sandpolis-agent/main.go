// Package main is the entry point of the Sandpolis agent.
package main

import (
	"fmt"
	"os"
	"runtime"
)

// Build information
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "sandpolis-agent"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
