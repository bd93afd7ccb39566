// The main package for the mediajobs executable.
package main

import (
	"github.com/JakeFAU/media-job-server/cmd"
)

func main() {
	cmd.Execute()
}
