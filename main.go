// The main package for the print-quote executable.
package main

import (
	"github.com/JakeFAU/print-quote-service/cmd"
)

func main() {
	cmd.Execute()
}
