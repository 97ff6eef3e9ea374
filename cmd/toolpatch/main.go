package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var log = slog.New(slog.DiscardHandler)

func newRootCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "toolpatch",
		Short: "Repair missing tool results in model conversations",
		Long: `toolpatch makes sure every tool-use reference in a conversation has exactly
one matching toolResult block before the conversation is sent to a model API.
Missing results are filled from a results file or with error placeholders.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			log = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
		},
	}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	cmd.AddCommand(newNormalizeCmd())
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, errMissing) {
			slog.Warn(err.Error())
			os.Exit(2)
		}
		slog.Error("toolpatch failed", "err", err)
		os.Exit(1)
	}
}
