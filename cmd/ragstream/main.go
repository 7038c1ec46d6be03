// Command ragstream runs the streaming RAG chat server and its maintenance
// commands for semantic routes and session collections.
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/ragstream/cmd/ragstream/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
