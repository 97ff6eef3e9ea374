package conversation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 10, 8, 12, 30, 0, 0, time.UTC)

func newTestNormalizer() *Normalizer {
	return NewNormalizer(WithClock(func() time.Time { return fixedNow }))
}

func toolResultIDs(t *testing.T, conv *Conversation) []string {
	t.Helper()
	a := conv.Assistant()
	require.NotNil(t, a)
	var ids []string
	for _, b := range a.Blocks {
		if b.IsToolResult() {
			ids = append(ids, b.ReferenceID)
		}
	}
	return ids
}

func strPtr(s string) *string { return &s }

func TestNormalize_EmptyPayloadAllMissing(t *testing.T) {
	conv := New("System message", "User message")

	rep, err := newTestNormalizer().Normalize(conv, []string{"tid_1", "tid_2"}, nil)
	require.NoError(t, err)

	assert.False(t, rep.OK)
	assert.Equal(t, []string{"tid_1", "tid_2"}, rep.Missing)
	assert.Same(t, conv, rep.Conversation)

	blocks := conv.Assistant().Blocks
	require.Len(t, blocks, 2)
	for i, id := range []string{"tid_1", "tid_2"} {
		b := blocks[i]
		assert.Equal(t, KindToolResult, b.Kind)
		assert.Equal(t, id, b.ReferenceID)
		assert.Nil(t, b.SourceID)
		assert.Equal(t, "missing tool result for "+id, b.Output["error"])
		assert.Equal(t, "2025-10-08T12:30:00.000Z", b.Output["time"])
		assert.True(t, b.IsError())
	}
}

func TestNormalize_ExistingAndSupplied(t *testing.T) {
	conv := New("sys", "usr")
	conv.Assistant().Blocks = append(conv.Assistant().Blocks, Block{
		Kind:        KindToolResult,
		ReferenceID: "tid_1",
		SourceID:    strPtr("some_tool"),
		Output:      map[string]any{"text": "existing"},
	})

	supplied := map[string]Result{
		"tid_2": {ID: "tid_2", Output: map[string]any{"text": "r2"}},
	}

	rep, err := newTestNormalizer().Normalize(conv, []string{"tid_1", "tid_2"}, supplied)
	require.NoError(t, err)

	assert.True(t, rep.OK)
	assert.Empty(t, rep.Missing)
	require.NotNil(t, rep.Missing)

	blocks := conv.Assistant().Blocks
	require.Len(t, blocks, 2)
	assert.Equal(t, map[string]any{"text": "existing"}, blocks[0].Output)
	assert.Equal(t, "tid_2", blocks[1].ReferenceID)
	assert.Equal(t, map[string]any{"text": "r2"}, blocks[1].Output)
	assert.False(t, blocks[1].IsError())
}

func TestNormalize_ExistingBlockWinsOverSupplied(t *testing.T) {
	conv := New("sys", "usr")
	existing := Block{
		Kind:        KindToolResult,
		ReferenceID: "x",
		SourceID:    strPtr("tool_a"),
		Output:      map[string]any{"text": "original"},
	}
	conv.Assistant().Blocks = []Block{existing}

	supplied := map[string]Result{
		"x": {ID: "x", SourceID: strPtr("tool_b"), Output: map[string]any{"text": "replacement"}},
	}

	rep, err := newTestNormalizer().Normalize(conv, []string{"x"}, supplied)
	require.NoError(t, err)
	assert.True(t, rep.OK)
	require.Len(t, conv.Assistant().Blocks, 1)
	assert.Equal(t, existing, conv.Assistant().Blocks[0])
}

func TestNormalize_SuppliedDefaults(t *testing.T) {
	conv := New("sys", "usr")
	supplied := map[string]Result{"y": {ID: "y"}}

	rep, err := newTestNormalizer().Normalize(conv, []string{"y"}, supplied)
	require.NoError(t, err)
	assert.True(t, rep.OK)

	b := conv.Assistant().Blocks[0]
	assert.Nil(t, b.SourceID)
	assert.NotNil(t, b.Output)
	assert.Empty(t, b.Output)
}

func TestNormalize_DuplicatesCollapse(t *testing.T) {
	conv := New("sys", "usr")

	rep, err := newTestNormalizer().Normalize(conv, []string{"a", "a", "b", "a", ""}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, rep.Missing)
	assert.Equal(t, []string{"a", "b"}, toolResultIDs(t, conv))
}

func TestNormalize_Idempotent(t *testing.T) {
	conv := New("sys", "usr")
	required := []string{"a", "b"}
	supplied := map[string]Result{"b": {ID: "b", Output: map[string]any{"v": 1}}}
	n := newTestNormalizer()

	_, err := n.Normalize(conv, required, supplied)
	require.NoError(t, err)
	first := append([]Block(nil), conv.Assistant().Blocks...)

	rep, err := n.Normalize(conv, required, supplied)
	require.NoError(t, err)
	assert.True(t, rep.OK, "second pass finds every ID present")
	assert.Equal(t, first, conv.Assistant().Blocks)
}

func TestNormalize_EmptyRequired(t *testing.T) {
	conv := New("sys", "usr")
	rep, err := newTestNormalizer().Normalize(conv, nil, nil)
	require.NoError(t, err)
	assert.True(t, rep.OK)
	assert.Empty(t, conv.Assistant().Blocks)
}

func TestNormalize_InvalidShape(t *testing.T) {
	n := newTestNormalizer()

	_, err := n.Normalize(nil, []string{"a"}, nil)
	require.ErrorIs(t, err, ErrInvalidShape)

	_, err = n.Normalize(&Conversation{Messages: []Message{{Role: RoleSystem, Text: "s"}}}, []string{"a"}, nil)
	require.ErrorIs(t, err, ErrInvalidShape)
}

func TestNormalize_AppendsMissingAssistant(t *testing.T) {
	conv := &Conversation{Messages: []Message{
		{Role: RoleSystem, Text: "s"},
		{Role: RoleUser, Text: "u"},
	}}

	rep, err := newTestNormalizer().Normalize(conv, []string{"a"}, nil)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 3)
	assert.Equal(t, RoleAssistant, conv.Messages[2].Role)
	assert.Equal(t, []string{"a"}, rep.Missing)
}

func TestNormalize_CoercesNonSequencePayload(t *testing.T) {
	conv, err := Decode([]byte(`[
		{"role":"system","content":"s"},
		{"role":"user","content":"u"},
		{"role":"assistant","content":"plain text"}
	]`))
	require.NoError(t, err)
	require.False(t, conv.Assistant().IsSequence())

	_, err = newTestNormalizer().Normalize(conv, []string{"a"}, nil)
	require.NoError(t, err)
	assert.True(t, conv.Assistant().IsSequence())
	assert.Empty(t, conv.Assistant().Text)
	assert.Equal(t, []string{"a"}, toolResultIDs(t, conv))
}

func TestNormalize_TolerantOfMalformedBlocks(t *testing.T) {
	conv, err := Decode([]byte(`[
		{"role":"system","content":"s"},
		{"role":"user","content":"u"},
		{"role":"assistant","content":[
			"not a block",
			{"type":"toolResult","id":42},
			{"type":"toolResult"},
			{"type":"toolUse","id":"a","name":"lookup"},
			null
		]}
	]`))
	require.NoError(t, err)

	rep, err := newTestNormalizer().Normalize(conv, []string{"a"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, rep.Missing)

	blocks := conv.Assistant().Blocks
	require.Len(t, blocks, 6)
	assert.True(t, blocks[0].Malformed())
	assert.True(t, blocks[1].Malformed())
	assert.Equal(t, "a", blocks[5].ReferenceID)

	// Pre-existing blocks survive byte-for-byte.
	out, err := json.Marshal(conv)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"not a block"`)
	assert.Contains(t, string(out), `{"type":"toolResult","id":42}`)
	assert.Contains(t, string(out), `{"type":"toolUse","id":"a","name":"lookup"}`)
}

func TestNormalize_DecodedBlocksWithAnyOutputCount(t *testing.T) {
	conv, err := Decode([]byte(`[
		{"role":"system","content":"s"},
		{"role":"user","content":"u"},
		{"role":"assistant","content":[
			{"type":"toolResult","id":"X","toolId":"t","output":"plain text result"},
			{"type":"toolResult","id":"Y","toolId":7,"output":{"text":"y"}},
			{"type":"toolResult","id":"Z","output":[1,2]},
			{"type":"toolResult","id":"W","toolId":"","output":null}
		]}
	]`))
	require.NoError(t, err)

	rep, err := newTestNormalizer().Normalize(conv, []string{"X", "Y", "Z", "W", "V"}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"V"}, rep.Missing)
	assert.Equal(t, []string{"X", "Y", "Z", "W", "V"}, toolResultIDs(t, conv))

	blocks := conv.Assistant().Blocks
	assert.Nil(t, blocks[0].Output)
	assert.JSONEq(t, `"plain text result"`, string(blocks[0].RawOutput()))
	assert.Nil(t, blocks[1].SourceID)
	assert.Equal(t, "y", blocks[1].Output["text"])
	assert.Nil(t, blocks[3].SourceID)

	out, err := json.Marshal(conv)
	require.NoError(t, err)
	assert.Contains(t, string(out), `{"type":"toolResult","id":"Y","toolId":7,"output":{"text":"y"}}`)
}

func TestNormalize_OnlyToolResultKindCovers(t *testing.T) {
	conv, err := Decode([]byte(`[
		{"role":"system","content":"s"},
		{"role":"user","content":"u"},
		{"role":"assistant","content":[
			{"type":"toolUse","id":"A","name":"lookup","input":{}},
			{"type":"tool_result","id":"B","output":{}}
		]}
	]`))
	require.NoError(t, err)

	rep, err := newTestNormalizer().Normalize(conv, []string{"A", "B"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, rep.Missing)
	assert.Len(t, conv.Assistant().Blocks, 4)
}

func TestResultBlock_EmptySourceIsNull(t *testing.T) {
	b := Result{ID: "a", SourceID: strPtr("")}.Block()
	assert.Nil(t, b.SourceID)

	b = Result{ID: "a", SourceID: strPtr("calc")}.Block()
	require.NotNil(t, b.SourceID)
	assert.Equal(t, "calc", *b.SourceID)
}

func TestNormalize_NeverReordersExisting(t *testing.T) {
	conv := New("sys", "usr")
	conv.Assistant().Blocks = []Block{
		{Kind: KindText, Output: map[string]any{"text": "hi"}},
		{Kind: KindToolResult, ReferenceID: "b", Output: map[string]any{}},
		{Kind: KindToolResult, ReferenceID: "a", Output: map[string]any{}},
	}
	before := append([]Block(nil), conv.Assistant().Blocks...)

	_, err := newTestNormalizer().Normalize(conv, []string{"c", "a", "d"}, nil)
	require.NoError(t, err)

	blocks := conv.Assistant().Blocks
	require.Len(t, blocks, 5)
	assert.Equal(t, before, blocks[:3])
	assert.Equal(t, "c", blocks[3].ReferenceID)
	assert.Equal(t, "d", blocks[4].ReferenceID)
}

func TestIndexResults(t *testing.T) {
	got := IndexResults([]Result{
		{ID: "a", Output: map[string]any{"n": 1}},
		{ID: ""},
		{ID: "a", Output: map[string]any{"n": 2}},
		{ID: "b"},
	})
	require.Len(t, got, 2)
	assert.Equal(t, 1, got["a"].Output["n"])
	assert.Contains(t, got, "b")
}

func TestPackageNormalize(t *testing.T) {
	conv := New("sys", "usr")
	rep, err := Normalize(conv, []string{"z"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"z"}, rep.Missing)
	assert.NotEmpty(t, conv.Assistant().Blocks[0].Output["error"])
}
