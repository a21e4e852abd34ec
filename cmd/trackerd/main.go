// Command trackerd runs the warehouse tracker submission server: the
// authoritative endpoint that drains device-side sync queues exactly once.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
