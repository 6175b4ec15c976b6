package store

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareSeq(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want int
	}{
		{name: "start of log equals zero", a: "", b: "0", want: 0},
		{name: "start of log before first", a: "", b: "1", want: -1},
		{name: "numeric not lexical", a: "9", b: "10", want: -1},
		{name: "opaque suffix ignored", a: "12-g1AAAA", b: "12-zzzz", want: 0},
		{name: "suffix with larger head", a: "13-a", b: "12-b", want: 1},
		{name: "equal plain", a: "42", b: "42", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CompareSeq(tt.a, tt.b))
		})
	}
}

func TestRevGeneration(t *testing.T) {
	gen, err := RevGeneration("1-abc")
	require.NoError(t, err)
	assert.Equal(t, 1, gen)

	gen, err = RevGeneration("17-0f")
	require.NoError(t, err)
	assert.Equal(t, 17, gen)

	for _, rev := range []string{"", "abc", "0-x", "x-1"} {
		_, err := RevGeneration(rev)
		assert.True(t, errors.Is(err, errors.NotValid), "rev %q", rev)
	}
}

func TestSplitID(t *testing.T) {
	docType, localID, ok := SplitID("$export/42")
	require.True(t, ok)
	assert.Equal(t, "$export", docType)
	assert.Equal(t, "42", localID)

	docType, localID, ok = SplitID("note/a/b")
	require.True(t, ok)
	assert.Equal(t, "note", docType)
	assert.Equal(t, "a/b", localID)

	for _, id := range []string{"noseparator", "/42", "type/"} {
		_, _, ok := SplitID(id)
		assert.False(t, ok, "id %q", id)
	}

	assert.Equal(t, "$export/42", JoinID("$export", "42"))
}

func TestDocumentClone(t *testing.T) {
	doc := Document{
		FieldID:  "task/1",
		"$error": map[string]any{"message": "disk full"},
		"tags":   []any{"a", map[string]any{"b": 1}},
	}

	clone := doc.Clone()
	clone["$error"].(map[string]any)["message"] = "changed"
	clone["tags"].([]any)[0] = "z"

	assert.Equal(t, "disk full", doc["$error"].(map[string]any)["message"])
	assert.Equal(t, "a", doc["tags"].([]any)[0])
	assert.Equal(t, "task/1", clone.ID())
	assert.False(t, clone.Deleted())
}

func TestUpdateTypeValid(t *testing.T) {
	assert.True(t, DatabaseCreated.Valid())
	assert.True(t, DatabaseDeleted.Valid())
	assert.True(t, DatabaseUpdated.Valid())
	assert.False(t, UpdateType("").Valid())
	assert.False(t, UpdateType("compacted").Valid())
}
