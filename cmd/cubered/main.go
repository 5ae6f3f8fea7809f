package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cubered/internal/cli"
	"cubered/internal/errors"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.NewRoot().Run(ctx, os.Args[1:])
	stop()
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "cubered:", err)
	switch {
	case errors.IsConfiguration(err):
		os.Exit(2)
	case errors.IsCancelled(err):
		os.Exit(130)
	default:
		os.Exit(1)
	}
}
