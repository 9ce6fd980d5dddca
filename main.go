// The main package for the jobsweep executable.
package main

import (
	"github.com/JakeFAU/jobsweep/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
