package toolrun

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jadenj13/toolpatch/internals/conversation"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fakeTool(id, text string, delay time.Duration) Operation {
	return func(ctx context.Context) (conversation.Result, error) {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return conversation.Result{}, ctx.Err()
		}
		tool := id + "_tool"
		return conversation.Result{
			ID:       id,
			SourceID: &tool,
			Output:   map[string]any{"text": text},
		}, nil
	}
}

func failingTool(msg string) Operation {
	return func(context.Context) (conversation.Result, error) {
		return conversation.Result{}, errors.New(msg)
	}
}

func TestRunAll_SettlesEveryOperation(t *testing.T) {
	r := NewRunner(nil)

	results := r.RunAll(context.Background(), []Operation{
		fakeTool("slow", "s", 30*time.Millisecond),
		failingTool("boom"),
		fakeTool("fast", "f", 0),
	})

	require.Len(t, results, 3)
	assert.Equal(t, "slow", results[0].ID)
	assert.True(t, strings.HasPrefix(results[1].ID, "error_"))
	assert.Equal(t, "boom", results[1].Output["error"])
	assert.Nil(t, results[1].SourceID)
	assert.Equal(t, "fast", results[2].ID)
}

func TestRunAll_RecoversPanicsAndNilOps(t *testing.T) {
	r := NewRunner(nil)

	results := r.RunAll(context.Background(), []Operation{
		func(context.Context) (conversation.Result, error) { panic("tool exploded") },
		nil,
	})

	require.Len(t, results, 2)
	assert.Contains(t, results[0].Output["error"], "tool exploded")
	assert.Contains(t, results[1].Output["error"], "nil")
	assert.NotEqual(t, results[0].ID, results[1].ID)
}

func TestRunAll_RunsConcurrently(t *testing.T) {
	r := NewRunner(nil)
	release := make(chan struct{})
	var started atomic.Int32

	op := func(ctx context.Context) (conversation.Result, error) {
		if started.Add(1) == 3 {
			close(release)
		}
		select {
		case <-release:
		case <-time.After(2 * time.Second):
			return conversation.Result{}, errors.New("operations were serialized")
		}
		return conversation.Result{ID: "ok"}, nil
	}

	results := r.RunAll(context.Background(), []Operation{op, op, op})
	for _, res := range results {
		assert.Equal(t, "ok", res.ID)
	}
}

func TestRunAll_Limit(t *testing.T) {
	r := NewRunner(nil, WithLimit(1))
	var inFlight, peak atomic.Int32

	op := func(context.Context) (conversation.Result, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return conversation.Result{ID: "x"}, nil
	}

	r.RunAll(context.Background(), []Operation{op, op, op, op})
	assert.Equal(t, int32(1), peak.Load())
}

func TestBuild_OneOperationFails(t *testing.T) {
	r := NewRunner(nil, withIDSource(func() string { return "error_fixed" }))

	rep, err := r.Build(context.Background(), "System message", "User message", []Operation{
		fakeTool("tooluse_1", "Resultado 1", 10*time.Millisecond),
		failingTool("tool2 crashed"),
	}, nil)
	require.NoError(t, err)

	assert.True(t, rep.OK, "no required IDs were declared")
	assert.Empty(t, rep.Missing)

	blocks := rep.Conversation.Assistant().Blocks
	require.Len(t, blocks, 2)
	assert.Equal(t, "tooluse_1", blocks[0].ReferenceID)
	assert.Equal(t, "Resultado 1", blocks[0].Output["text"])
	assert.False(t, blocks[0].IsError())
	assert.Equal(t, "error_fixed", blocks[1].ReferenceID)
	assert.True(t, blocks[1].IsError())
}

func TestBuild_RequiredIDsFilledOrPlaceheld(t *testing.T) {
	r := NewRunner(nil)

	rep, err := r.Build(context.Background(), "sys", "usr", []Operation{
		fakeTool("a", "A", 0),
		failingTool("b failed"),
	}, []string{"a", "c"})
	require.NoError(t, err)

	assert.False(t, rep.OK)
	assert.Equal(t, []string{"c"}, rep.Missing)

	var ids []string
	for _, b := range rep.Conversation.Assistant().Blocks {
		ids = append(ids, b.ReferenceID)
	}
	require.Len(t, ids, 3)
	assert.Equal(t, "a", ids[0])
	assert.True(t, strings.HasPrefix(ids[1], "error_"))
	assert.Equal(t, "c", ids[2])
}

func TestBuild_SkipsResultsWithoutIDAndDuplicates(t *testing.T) {
	r := NewRunner(nil)

	rep, err := r.Build(context.Background(), "sys", "usr", []Operation{
		func(context.Context) (conversation.Result, error) { return conversation.Result{}, nil },
		fakeTool("dup", "first", 0),
		fakeTool("dup", "second", 0),
	}, []string{"dup"})
	require.NoError(t, err)

	assert.True(t, rep.OK)
	blocks := rep.Conversation.Assistant().Blocks
	require.Len(t, blocks, 1)
	assert.Equal(t, "first", blocks[0].Output["text"])
}
