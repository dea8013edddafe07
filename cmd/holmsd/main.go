// Command holmsd runs the home-automation adapter substrate: it
// supervises adapter child processes, persists the configured space
// model, triages incoming device events, and fires reflex rules,
// exposing only a liveness/metrics surface, a local WebSocket event
// feed, and an operator CLI (the outer HTTP/tRPC API and LLM tool
// catalog live elsewhere).
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
