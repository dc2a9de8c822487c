// Command tshistory runs the Tree Style History companion daemon and its
// maintenance commands.
package main

import (
	"fmt"
	"os"

	goflags "github.com/jessevdk/go-flags"

	"github.com/sperwe/Tree-Style-History-sub000/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.Run(version); err != nil {
		// Parse errors were already printed by the parser.
		if _, ok := err.(*goflags.Error); !ok {
			fmt.Fprintln(os.Stderr, "tshistory:", err)
		}
		os.Exit(1)
	}
}
