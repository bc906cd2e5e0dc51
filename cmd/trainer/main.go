// Command trainer runs the training progression service.
package main

import (
	"fmt"
	"os"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/interface/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "trainer: %v\n", err)
		os.Exit(1)
	}
}
