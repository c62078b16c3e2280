package main

import (
	"context"
	"os"

	"kbsync/internal/cli"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	return cli.ExecuteContext(ctx, args)
}
