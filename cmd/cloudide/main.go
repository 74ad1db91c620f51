package main

import (
	"errors"
	"os"
	"strconv"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(int(exit))
		}
		os.Exit(1)
	}
}

// exitError ends the process with a specific status after the command has
// already reported the problem.
type exitError int

func (e exitError) Error() string {
	return "exit status " + strconv.Itoa(int(e))
}
