// The main package for the lockstep executable.
package main

import (
	"github.com/JakeFAU/lockstep-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
