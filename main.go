// The main package for the collectord executable.
package main

import (
	"github.com/JakeFAU/collectord/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
