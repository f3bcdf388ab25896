// Command docmigrate generates and runs schema migrations for MongoDB
// document models.
package main

import (
	"os"
)

const version = "1.0.0"

func main() {
	if err := newRootCommand(newApp()).Execute(); err != nil {
		printError(os.Stderr, err.Error())
		os.Exit(1)
	}
}
