package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jadenj13/toolpatch/internals/conversation"
	"github.com/jadenj13/toolpatch/internals/report"
)

// errMissing is returned in strict mode when placeholders were inserted.
var errMissing = errors.New("tool results missing")

type normalizeOptions struct {
	required []string
	results  string
	in       string
	out      string
	strict   bool
}

func newNormalizeCmd() *cobra.Command {
	var o normalizeOptions
	cmd := &cobra.Command{
		Use:   "normalize",
		Short: "Insert missing toolResult blocks into a conversation",
		Example: `  toolpatch normalize --require tooluse_a,tooluse_b --in conv.json
  cat conv.json | toolpatch normalize --require t1 --results results.json --strict`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runNormalize(cmd, o)
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&o.required, "require", nil, "reference IDs that must have a tool result")
	f.StringVar(&o.results, "results", "", "JSON array of tool results to fill gaps from")
	f.StringVar(&o.in, "in", "", "conversation file (default stdin)")
	f.StringVar(&o.out, "out", "", "output file (default stdout)")
	f.BoolVar(&o.strict, "strict", false, "exit with status 2 when placeholders were inserted")
	return cmd
}

func runNormalize(cmd *cobra.Command, o normalizeOptions) error {
	data, err := readInput(cmd.InOrStdin(), o.in)
	if err != nil {
		return fmt.Errorf("read conversation: %w", err)
	}
	conv, err := conversation.Decode(data)
	if err != nil {
		return fmt.Errorf("decode conversation: %w", err)
	}

	var supplied map[string]conversation.Result
	if o.results != "" {
		raw, err := os.ReadFile(o.results)
		if err != nil {
			return fmt.Errorf("read results: %w", err)
		}
		var results []conversation.Result
		if err := json.Unmarshal(raw, &results); err != nil {
			return fmt.Errorf("decode results: %w", err)
		}
		supplied = conversation.IndexResults(results)
	}

	norm := conversation.NewNormalizer(conversation.WithLogger(log))
	rep, err := norm.Normalize(conv, o.required, supplied)
	if err != nil {
		return err
	}

	if err := writeOutput(cmd.OutOrStdout(), o.out, rep); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	if rep.OK {
		return nil
	}
	inc := report.Incident{
		At:      time.Now(),
		Source:  "toolpatch",
		Missing: rep.Missing,
		Blocks:  len(conv.Assistant().Blocks),
	}
	if err := report.NewLogReporter(log).Report(cmd.Context(), inc); err != nil {
		return err
	}
	if o.strict {
		return fmt.Errorf("%w: %s", errMissing, inc.Summary())
	}
	return nil
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func writeOutput(stdout io.Writer, path string, rep conversation.Report) error {
	w := stdout
	if path != "" && path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
