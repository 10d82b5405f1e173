// Command conduit runs the model deployment pipeline and inspects its
// stores.
//
// Usage:
//
//	conduit run --model m1 --model m2
//	conduit scan --config conduit.yaml
//	conduit version
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
