package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/hochfrequenz/runforge/internal/orchestrator"
	"github.com/hochfrequenz/runforge/internal/statestore"
	"github.com/spf13/cobra"
)

// Exit codes, scriptable alongside stdout output.
const (
	exitOK           = 0
	exitError        = 1
	exitBadPipeline  = 2
	exitNotAdmitted  = 3
	exitStoreFailure = 4
)

// errNotAdmitted marks admission failures for exit-code mapping
var errNotAdmitted = errors.New("run was not admitted")

var (
	configPath string
	verbose    bool
	rootCmd    = &cobra.Command{
		Use:   "runforge",
		Short: "Workflow orchestrator with isolated execution slots",
		Long: `runforge drives work items through multi-phase delivery pipelines.
Each run executes in an isolated workspace slot with its own port pair;
state is versioned and resumable, failures retry with backoff and land
in a dead-letter queue when automatic recovery is exhausted.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var storageErr *statestore.StorageError
	switch {
	case errors.Is(err, orchestrator.ErrUnknownPipeline):
		return exitBadPipeline
	case errors.Is(err, errNotAdmitted):
		return exitNotAdmitted
	case errors.As(err, &storageErr):
		return exitStoreFailure
	default:
		return exitError
	}
}
