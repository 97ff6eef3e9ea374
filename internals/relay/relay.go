package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jadenj13/toolpatch/internals/conversation"
	"github.com/jadenj13/toolpatch/internals/llm"
	"github.com/jadenj13/toolpatch/internals/report"
)

const defaultMaxRepairs = 1

// Completer submits a conversation to a model provider. Both llm.Client and
// llm.BedrockClient satisfy it.
type Completer interface {
	Complete(ctx context.Context, conv *conversation.Conversation) (string, error)
}

type Reply struct {
	Text    string
	Report  conversation.Report
	Repairs int
}

type Relay struct {
	llm        Completer
	norm       *conversation.Normalizer
	reporter   report.Reporter
	source     string
	maxRepairs int
	log        *slog.Logger
}

type Option func(*Relay)

func WithReporter(r report.Reporter) Option {
	return func(rl *Relay) { rl.reporter = r }
}

func WithNormalizer(n *conversation.Normalizer) Option {
	return func(rl *Relay) {
		if n != nil {
			rl.norm = n
		}
	}
}

// WithMaxRepairs sets how many times a rejected request is repaired and
// resent.
func WithMaxRepairs(n int) Option {
	return func(rl *Relay) { rl.maxRepairs = n }
}

// WithSource labels incidents raised by this relay.
func WithSource(s string) Option {
	return func(rl *Relay) { rl.source = s }
}

func New(c Completer, log *slog.Logger, opts ...Option) *Relay {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	rl := &Relay{
		llm:        c,
		norm:       conversation.NewNormalizer(conversation.WithLogger(log)),
		reporter:   report.NewLogReporter(log),
		source:     "relay",
		maxRepairs: defaultMaxRepairs,
		log:        log,
	}
	for _, o := range opts {
		o(rl)
	}
	return rl
}

// Send normalizes conv against required, submits it, and if the provider
// still rejects it for missing tool results, patches in the IDs the provider
// named and resends.
func (rl *Relay) Send(ctx context.Context, conv *conversation.Conversation, required []string, supplied map[string]conversation.Result) (Reply, error) {
	rep, err := rl.normalize(ctx, conv, required, supplied)
	if err != nil {
		return Reply{}, err
	}

	reply := Reply{Report: rep}
	for {
		text, err := rl.llm.Complete(ctx, conv)
		if err == nil {
			reply.Text = text
			return reply, nil
		}

		var missing *llm.MissingToolResultsError
		if !errors.As(err, &missing) || reply.Repairs >= rl.maxRepairs {
			return reply, err
		}

		before := len(conv.Assistant().Blocks)
		repaired, nerr := rl.normalize(ctx, conv, missing.IDs, supplied)
		if nerr != nil {
			return reply, nerr
		}
		if len(conv.Assistant().Blocks) == before {
			// The provider named IDs we already answer; resending cannot help.
			return reply, fmt.Errorf("nothing to repair: %w", err)
		}

		reply.Repairs++
		reply.Report = merge(reply.Report, repaired)
		rl.log.Info("repaired rejected request, resending",
			"ids", missing.IDs, "attempt", reply.Repairs)
	}
}

func (rl *Relay) normalize(ctx context.Context, conv *conversation.Conversation, required []string, supplied map[string]conversation.Result) (conversation.Report, error) {
	rep, err := rl.norm.Normalize(conv, required, supplied)
	if err != nil {
		return conversation.Report{}, fmt.Errorf("normalize: %w", err)
	}
	if !rep.OK && rl.reporter != nil {
		inc := report.Incident{
			At:      time.Now(),
			Source:  rl.source,
			Missing: rep.Missing,
			Blocks:  len(conv.Assistant().Blocks),
		}
		if err := rl.reporter.Report(ctx, inc); err != nil {
			// Non-fatal: the conversation is still sendable.
			rl.log.Warn("failed to report missing tool results", "err", err)
		}
	}
	return rep, nil
}

func merge(a, b conversation.Report) conversation.Report {
	missing := append(append([]string{}, a.Missing...), b.Missing...)
	return conversation.Report{
		OK:           len(missing) == 0,
		Missing:      missing,
		Conversation: b.Conversation,
	}
}
