package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "placeholder-sync",
		Short:         "Keep a local directory in sync with a file server, leaving large trees as placeholders",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newSyncCmd(),
		newRunCmd(),
		newStatusCmd(),
		newConflictsCmd(),
		newResolveCmd(),
		newDownloadCmd(),
		newPlaceholdersCmd(),
		newKeygenCmd(),
	)

	return root
}
