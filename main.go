// The main package for the multipublish executable.
package main

import (
	"github.com/JakeFAU/multipublish/cmd"
)

func main() {
	cmd.Execute()
}
