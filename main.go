// The main package for the orchestrator executable.
package main

import (
	"github.com/JakeFAU/automation-orchestrator/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
