// Command npurt runs compiled models on an NPU backend. It serves the HTTP
// API, inspects model tensor contracts, drives batches of asynchronous jobs,
// and hosts the device agent that the remote backend talks to.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
