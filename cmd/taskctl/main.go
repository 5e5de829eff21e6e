// Package main is taskctl, the operator CLI. It talks to the Executor API
// for monitoring, cleanup and job control, and runs database migrations for
// either service.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(os.Stdout).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
