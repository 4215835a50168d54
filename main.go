// tlsnc - netcat over a non-blocking TLS filter.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tlsnc/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "tlsnc: %v\n", err)
		os.Exit(1)
	}
}
