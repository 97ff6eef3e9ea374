package toolrun

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jadenj13/toolpatch/internals/conversation"
)

// Operation produces one tool result. Returning an error (or panicking) marks
// the operation as failed; the runner turns that into an error-shaped result.
type Operation func(ctx context.Context) (conversation.Result, error)

type Runner struct {
	norm  *conversation.Normalizer
	limit int
	newID func() string
	log   *slog.Logger
}

type Option func(*Runner)

// WithLimit caps how many operations run at once. Zero or less means no cap.
func WithLimit(n int) Option {
	return func(r *Runner) { r.limit = n }
}

func WithNormalizer(n *conversation.Normalizer) Option {
	return func(r *Runner) {
		if n != nil {
			r.norm = n
		}
	}
}

func withIDSource(f func() string) Option {
	return func(r *Runner) { r.newID = f }
}

func NewRunner(log *slog.Logger, opts ...Option) *Runner {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	r := &Runner{
		norm:  conversation.NewNormalizer(conversation.WithLogger(log)),
		newID: func() string { return "error_" + uuid.NewString() },
		log:   log,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RunAll starts every operation without waiting on the others and returns
// once all of them have settled. results[i] belongs to ops[i].
func (r *Runner) RunAll(ctx context.Context, ops []Operation) []conversation.Result {
	results := make([]conversation.Result, len(ops))

	// No goroutine ever returns an error, so a failure never cancels the rest.
	var g errgroup.Group
	if r.limit > 0 {
		g.SetLimit(r.limit)
	}
	for i, op := range ops {
		g.Go(func() error {
			results[i] = r.settle(ctx, i, op)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (r *Runner) settle(ctx context.Context, i int, op Operation) (res conversation.Result) {
	defer func() {
		if p := recover(); p != nil {
			res = r.failed(i, fmt.Errorf("panic: %v", p))
		}
	}()

	if op == nil {
		return r.failed(i, fmt.Errorf("operation %d is nil", i))
	}
	out, err := op(ctx)
	if err != nil {
		return r.failed(i, err)
	}
	return out
}

func (r *Runner) failed(i int, err error) conversation.Result {
	id := r.newID()
	r.log.Warn("tool operation failed", "index", i, "id", id, "err", err)
	return conversation.Result{
		ID:     id,
		Output: map[string]any{"error": err.Error()},
	}
}

// Build runs ops, attaches every result that carries an ID to a fresh
// system/user/assistant conversation, and normalizes it against required.
func (r *Runner) Build(ctx context.Context, system, user string, ops []Operation, required []string) (conversation.Report, error) {
	results := r.RunAll(ctx, ops)

	conv := conversation.New(system, user)
	assistant := conv.Assistant()
	attached := make(map[string]struct{}, len(results))
	for i, res := range results {
		if res.ID == "" {
			r.log.Warn("tool result has no id, not attached", "index", i)
			continue
		}
		if _, ok := attached[res.ID]; ok {
			r.log.Warn("duplicate tool result id, keeping the first", "index", i, "id", res.ID)
			continue
		}
		attached[res.ID] = struct{}{}
		assistant.Blocks = append(assistant.Blocks, res.Block())
	}

	rep, err := r.norm.Normalize(conv, required, conversation.IndexResults(results))
	if err != nil {
		return conversation.Report{}, fmt.Errorf("normalize: %w", err)
	}
	r.log.Info("tool results attached",
		"ops", len(ops), "blocks", len(assistant.Blocks), "missing", len(rep.Missing))
	return rep, nil
}
